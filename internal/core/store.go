package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/paperoo/spool/internal/config"
)

const dayKey = "2006-01-02"

// printedDaysKept bounds the per-day printed counters.
const printedDaysKept = 31

var transitions = map[JobState][]JobState{
	StatePending:  {StatePrinting, StateAbandoned},
	StatePrinting: {StatePrinted, StateFailed},
	StateFailed:   {StatePending, StateAbandoned},
}

func allowed(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot is the persisted form of a store.
type Snapshot struct {
	NextID       int64          `json:"next_id"`
	Jobs         []Job          `json:"jobs"`
	PrintedByDay map[string]int `json:"printed_by_day"`
	PrintedTotal int            `json:"printed_total"`
}

// Store holds every job and is the only writer of job state. All methods
// are safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	jobs         map[int64]*Job
	nextID       int64
	historyLimit int
	printedByDay map[string]int
	printedTotal int
	wakeup       chan struct{}
}

// NewStore creates an empty store. A historyLimit of zero keeps every
// terminal job.
func NewStore(historyLimit int) *Store {
	return &Store{
		now:          time.Now,
		jobs:         make(map[int64]*Job),
		nextID:       1,
		historyLimit: historyLimit,
		printedByDay: make(map[string]int),
		wakeup:       make(chan struct{}, 1),
	}
}

// Wakeup is signalled whenever a job becomes pending.
func (s *Store) Wakeup() <-chan struct{} {
	return s.wakeup
}

func (s *Store) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Store) SetHistoryLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyLimit = n
	s.evictLocked()
}

func validate(text string, priority int, lang Language) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return "", &ValidationError{Field: "text", Reason: fmt.Sprintf("must be at most %d characters, got %d", MaxTextLength, n)}
	}
	if priority < config.MinPriority || priority > config.MaxPriority {
		return "", &ValidationError{Field: "priority", Reason: fmt.Sprintf("must be between %d and %d, got %d", config.MinPriority, config.MaxPriority, priority)}
	}
	if !lang.Valid() {
		return "", &ValidationError{Field: "language", Reason: fmt.Sprintf("must be de or en, got %q", lang)}
	}
	return text, nil
}

func (s *Store) Enqueue(text string, priority int, lang Language) (Job, error) {
	text, err := validate(text, priority, lang)
	if err != nil {
		return Job{}, err
	}

	s.mu.Lock()
	job := &Job{
		ID:        s.nextID,
		Text:      text,
		Priority:  priority,
		Language:  lang,
		State:     StatePending,
		CreatedAt: s.now(),
	}
	s.nextID++
	s.jobs[job.ID] = job
	snap := job.copy()
	s.mu.Unlock()

	s.notify()
	return snap, nil
}

// before orders pending jobs: priority descending, then oldest first.
func before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) nextReadyLocked() *Job {
	var best *Job
	for _, j := range s.jobs {
		if j.State != StatePending {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	return best
}

func (s *Store) printingLocked() *Job {
	for _, j := range s.jobs {
		if j.State == StatePrinting {
			return j
		}
	}
	return nil
}

// NextReady returns the job that would be served next without claiming it.
func (s *Store) NextReady() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.nextReadyLocked()
	if j == nil {
		return Job{}, false
	}
	return j.copy(), true
}

// Claim picks the next ready job and marks it printing in one step. It
// returns false when nothing is pending or a job is already printing.
func (s *Store) Claim() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.printingLocked() != nil {
		return Job{}, false
	}
	j := s.nextReadyLocked()
	if j == nil {
		return Job{}, false
	}
	s.startLocked(j)
	return j.copy(), true
}

func (s *Store) startLocked(j *Job) {
	now := s.now()
	j.State = StatePrinting
	j.Attempts++
	j.LastAttemptAt = &now
	j.RetryAt = nil
	j.LastError = ""
}

func (s *Store) lookupLocked(id int64) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return j, nil
}

func (s *Store) transitionLocked(id int64, to JobState) (*Job, error) {
	j, err := s.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if !allowed(j.State, to) {
		return nil, &InvalidTransitionError{ID: id, From: j.State, To: to}
	}
	return j, nil
}

func (s *Store) MarkPrinting(id int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transitionLocked(id, StatePrinting)
	if err != nil {
		return Job{}, err
	}
	if p := s.printingLocked(); p != nil {
		return Job{}, &InvalidTransitionError{ID: id, From: j.State, To: StatePrinting, Reason: fmt.Sprintf("job %d is printing", p.ID)}
	}
	s.startLocked(j)
	return j.copy(), nil
}

func (s *Store) MarkPrinted(id int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transitionLocked(id, StatePrinted)
	if err != nil {
		return Job{}, err
	}
	now := s.now()
	j.State = StatePrinted
	j.CompletedAt = &now
	j.LastError = ""

	s.printedByDay[now.Local().Format(dayKey)]++
	s.printedTotal++
	s.pruneDaysLocked(now)

	snap := j.copy()
	s.evictLocked()
	return snap, nil
}

func (s *Store) MarkFailed(id int64, reason string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transitionLocked(id, StateFailed)
	if err != nil {
		return Job{}, err
	}
	j.State = StateFailed
	j.LastError = reason
	return j.copy(), nil
}

func (s *Store) MarkAbandoned(id int64, reason string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transitionLocked(id, StateAbandoned)
	if err != nil {
		return Job{}, err
	}
	s.abandonLocked(j, reason)
	snap := j.copy()
	s.evictLocked()
	return snap, nil
}

func (s *Store) abandonLocked(j *Job, reason string) {
	now := s.now()
	j.State = StateAbandoned
	j.CompletedAt = &now
	j.RetryAt = nil
	if reason != "" {
		j.LastError = reason
	}
}

// ScheduleRetry records when a failed job becomes pending again.
func (s *Store) ScheduleRetry(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if j.State != StateFailed {
		return &InvalidTransitionError{ID: id, From: j.State, To: StatePending, Reason: "only failed jobs can be scheduled"}
	}
	j.RetryAt = &at
	return nil
}

// Retry is the decision taken after a failed delivery. A non-empty Abandon
// gives up on the job, otherwise it becomes pending again at At.
type Retry struct {
	At      time.Time
	Abandon string
}

// FailDelivery marks a printing job failed and applies next under the same
// lock, so a snapshot never sees a failed job without a retry time. It
// returns the failed job and, when next abandons it, the abandoned job.
func (s *Store) FailDelivery(id int64, reason string, next Retry) (failed, abandoned Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.transitionLocked(id, StateFailed)
	if err != nil {
		return Job{}, Job{}, err
	}
	j.State = StateFailed
	j.LastError = reason
	if next.Abandon == "" {
		at := next.At
		j.RetryAt = &at
		return j.copy(), Job{}, nil
	}

	failed = j.copy()
	s.abandonLocked(j, next.Abandon)
	abandoned = j.copy()
	s.evictLocked()
	return failed, abandoned, nil
}

// RequeueDue moves failed jobs whose retry time has passed back to pending.
func (s *Store) RequeueDue(now time.Time) int {
	s.mu.Lock()
	n := 0
	for _, j := range s.jobs {
		if j.State == StateFailed && j.RetryAt != nil && !j.RetryAt.After(now) {
			s.requeueLocked(j)
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return n
}

func (s *Store) requeueLocked(j *Job) {
	j.State = StatePending
	j.RetryAt = nil
	j.LastError = ""
}

// NextRetryAt returns the earliest scheduled retry, if any.
func (s *Store) NextRetryAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	found := false
	for _, j := range s.jobs {
		if j.State != StateFailed || j.RetryAt == nil {
			continue
		}
		if !found || j.RetryAt.Before(next) {
			next = *j.RetryAt
			found = true
		}
	}
	return next, found
}

// RequeueAllFailed moves every failed job back to pending with a fresh
// attempt budget. Abandoned jobs are left alone.
func (s *Store) RequeueAllFailed() int {
	s.mu.Lock()
	n := 0
	for _, j := range s.jobs {
		if j.State == StateFailed {
			s.requeueLocked(j)
			j.Attempts = 0
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify()
	}
	return n
}

// Cancel removes a job that has not started printing yet.
func (s *Store) Cancel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if j.State != StatePending {
		return &InvalidTransitionError{ID: id, From: j.State, To: "cancelled", Reason: "only pending jobs can be cancelled"}
	}
	delete(s.jobs, id)
	return nil
}

// ClearQueue abandons every pending and failed job.
func (s *Store) ClearQueue(reason string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared []Job
	for _, j := range s.jobs {
		if j.State == StatePending || j.State == StateFailed {
			s.abandonLocked(j, reason)
			cleared = append(cleared, j.copy())
		}
	}
	sortByID(cleared)
	s.evictLocked()
	return cleared
}

func (s *Store) Get(id int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.lookupLocked(id)
	if err != nil {
		return Job{}, err
	}
	return j.copy(), nil
}

// ListPending returns pending jobs in service order.
func (s *Store) ListPending() []Job {
	s.mu.Lock()
	var pending []*Job
	for _, j := range s.jobs {
		if j.State == StatePending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(a, b int) bool { return before(pending[a], pending[b]) })
	out := make([]Job, len(pending))
	for i, j := range pending {
		out[i] = j.copy()
	}
	s.mu.Unlock()
	return out
}

func (s *Store) ListFailed() []Job {
	return s.List(StateFailed)
}

// List returns jobs in the given state, or every job for an empty state,
// ordered by id.
func (s *Store) List(state JobState) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			out = append(out, j.copy())
		}
	}
	sortByID(out)
	return out
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, j := range s.jobs {
		switch j.State {
		case StatePending:
			st.Pending++
		case StatePrinting:
			st.Printing++
		case StatePrinted:
			st.Printed++
		case StateFailed:
			st.Failed++
		case StateAbandoned:
			st.Abandoned++
		}
		st.Total++
	}
	st.PrintedToday = s.printedByDay[s.now().Local().Format(dayKey)]
	st.PrintedTotal = s.printedTotal
	return st
}

// evictLocked drops the oldest terminal jobs beyond the history limit.
func (s *Store) evictLocked() {
	if s.historyLimit <= 0 {
		return
	}
	var terminal []*Job
	for _, j := range s.jobs {
		if j.State.Terminal() {
			terminal = append(terminal, j)
		}
	}
	excess := len(terminal) - s.historyLimit
	if excess <= 0 {
		return
	}
	sort.Slice(terminal, func(a, b int) bool {
		ta, tb := completedAt(terminal[a]), completedAt(terminal[b])
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return terminal[a].ID < terminal[b].ID
	})
	for _, j := range terminal[:excess] {
		delete(s.jobs, j.ID)
	}
}

func completedAt(j *Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

func (s *Store) pruneDaysLocked(now time.Time) {
	cutoff := now.Local().AddDate(0, 0, -printedDaysKept).Format(dayKey)
	for day := range s.printedByDay {
		if day < cutoff {
			delete(s.printedByDay, day)
		}
	}
}

// Export copies the full store state for persistence.
func (s *Store) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		NextID:       s.nextID,
		Jobs:         make([]Job, 0, len(s.jobs)),
		PrintedByDay: make(map[string]int, len(s.printedByDay)),
		PrintedTotal: s.printedTotal,
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j.copy())
	}
	sortByID(snap.Jobs)
	for day, n := range s.printedByDay {
		snap.PrintedByDay[day] = n
	}
	return snap
}

// Restore replaces the store contents with a snapshot. A job that was
// printing when the snapshot was taken goes back to pending, since the
// delivery result is unknown. It returns the number of such jobs. A failed
// job without a retry time is retried right away.
func (s *Store) Restore(snap Snapshot) int {
	s.mu.Lock()
	now := s.now()
	s.jobs = make(map[int64]*Job, len(snap.Jobs))
	s.nextID = snap.NextID
	recovered := 0
	for i := range snap.Jobs {
		j := snap.Jobs[i].copy()
		switch {
		case j.State == StatePrinting:
			j.State = StatePending
			recovered++
		case j.State == StateFailed && j.RetryAt == nil:
			j.RetryAt = copyTime(&now)
		}
		s.jobs[j.ID] = &j
		if j.ID >= s.nextID {
			s.nextID = j.ID + 1
		}
	}
	if s.nextID < 1 {
		s.nextID = 1
	}
	s.printedByDay = make(map[string]int, len(snap.PrintedByDay))
	for day, n := range snap.PrintedByDay {
		s.printedByDay[day] = n
	}
	s.printedTotal = snap.PrintedTotal
	s.evictLocked()
	s.mu.Unlock()

	s.notify()
	return recovered
}

func (j *Job) copy() Job {
	c := *j
	c.LastAttemptAt = copyTime(j.LastAttemptAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.RetryAt = copyTime(j.RetryAt)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sortByID(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
}
