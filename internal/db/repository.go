package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/paperoo/spool/internal/core"
)

const timeFormat = time.RFC3339Nano

// JobRepository reads and writes whole store snapshots.
type JobRepository struct {
	db *DB
}

func NewJobRepository(d *DB) *JobRepository {
	return &JobRepository{db: d}
}

// Save replaces the persisted state with snap in one transaction.
func (r *JobRepository) Save(ctx context.Context, snap core.Snapshot) error {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, DeleteJobs); err != nil {
		return fmt.Errorf("failed to clear jobs: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, InsertJob)
	if err != nil {
		return fmt.Errorf("failed to prepare job insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range snap.Jobs {
		if _, err := stmt.ExecContext(ctx,
			j.ID, j.Text, j.Priority, string(j.Language), string(j.State), j.Attempts,
			j.CreatedAt.Format(timeFormat),
			nullTime(j.LastAttemptAt), nullTime(j.CompletedAt), nullTime(j.RetryAt),
			j.LastError,
		); err != nil {
			return fmt.Errorf("failed to insert job %d: %w", j.ID, err)
		}
	}

	meta := map[string]string{
		metaNextID:       strconv.FormatInt(snap.NextID, 10),
		metaPrintedTotal: strconv.Itoa(snap.PrintedTotal),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, UpsertMeta, k, v); err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
	}

	if _, err := tx.ExecContext(ctx, DeletePrintCounters); err != nil {
		return fmt.Errorf("failed to clear print counters: %w", err)
	}
	for day, n := range snap.PrintedByDay {
		if _, err := tx.ExecContext(ctx, InsertPrintCounter, day, n); err != nil {
			return fmt.Errorf("failed to write print counter %s: %w", day, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot. It reports false when nothing has been
// saved yet.
func (r *JobRepository) Load(ctx context.Context) (core.Snapshot, bool, error) {
	var snap core.Snapshot

	nextID, found, err := r.meta(ctx, metaNextID)
	if err != nil {
		return snap, false, err
	}
	if !found {
		return snap, false, nil
	}
	if snap.NextID, err = strconv.ParseInt(nextID, 10, 64); err != nil {
		return snap, false, fmt.Errorf("invalid %s %q: %w", metaNextID, nextID, err)
	}

	if total, ok, err := r.meta(ctx, metaPrintedTotal); err != nil {
		return snap, false, err
	} else if ok {
		if snap.PrintedTotal, err = strconv.Atoi(total); err != nil {
			return snap, false, fmt.Errorf("invalid %s %q: %w", metaPrintedTotal, total, err)
		}
	}

	if snap.Jobs, err = r.jobs(ctx); err != nil {
		return snap, false, err
	}
	if snap.PrintedByDay, err = r.counters(ctx); err != nil {
		return snap, false, err
	}
	return snap, true, nil
}

func (r *JobRepository) meta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.conn.QueryRowContext(ctx, GetMeta, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return v, true, nil
}

func (r *JobRepository) jobs(ctx context.Context) ([]core.Job, error) {
	rows, err := r.db.conn.QueryContext(ctx, ListJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.Job
	for rows.Next() {
		var (
			j                               core.Job
			lang, state, created            string
			lastAttempt, completed, retryAt sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Text, &j.Priority, &lang, &state, &j.Attempts,
			&created, &lastAttempt, &completed, &retryAt, &j.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Language = core.Language(lang)
		j.State = core.JobState(state)
		if j.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
			return nil, fmt.Errorf("job %d: invalid created_at: %w", j.ID, err)
		}
		if j.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
			return nil, fmt.Errorf("job %d: invalid last_attempt_at: %w", j.ID, err)
		}
		if j.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, fmt.Errorf("job %d: invalid completed_at: %w", j.ID, err)
		}
		if j.RetryAt, err = parseNullTime(retryAt); err != nil {
			return nil, fmt.Errorf("job %d: invalid retry_at: %w", j.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *JobRepository) counters(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.conn.QueryContext(ctx, ListPrintCounters)
	if err != nil {
		return nil, fmt.Errorf("failed to list print counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("failed to scan print counter: %w", err)
		}
		out[day] = n
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
