package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEnqueueValidation(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		priority int
		lang     Language
		field    string
	}{
		{"empty text", "", 3, LanguageEN, "text"},
		{"blank text", "   \t", 3, LanguageEN, "text"},
		{"too long", strings.Repeat("ä", MaxTextLength+1), 3, LanguageDE, "text"},
		{"priority low", "x", 0, LanguageEN, "priority"},
		{"priority high", "x", 6, LanguageEN, "priority"},
		{"language", "x", 3, Language("fr"), "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(0)
			_, err := s.Enqueue(tt.text, tt.priority, tt.lang)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
			if st := s.Stats(); st.Total != 0 {
				t.Errorf("rejected job entered the store: %+v", st)
			}
		})
	}
}

func TestEnqueueAcceptsMaxLength(t *testing.T) {
	s := NewStore(0)
	job, err := s.Enqueue("  "+strings.Repeat("ü", MaxTextLength)+"  ", 1, LanguageDE)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.State != StatePending || job.Attempts != 0 {
		t.Errorf("unexpected job %+v", job)
	}
	if strings.HasPrefix(job.Text, " ") {
		t.Error("text should be trimmed")
	}
}

func TestServiceOrder(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)

	var ids []int64
	for _, p := range []int{5, 1, 5, 3} {
		job, err := s.Enqueue("task", p, LanguageEN)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, job.ID)
		clock.Advance(time.Millisecond)
	}

	want := []int64{ids[0], ids[2], ids[3], ids[1]}
	var got []int64
	for {
		job, ok := s.Claim()
		if !ok {
			break
		}
		got = append(got, job.ID)
		if _, err := s.MarkPrinted(job.ID); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("served %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("served %v, want %v", got, want)
		}
	}
}

func TestServiceOrderSameTimestamp(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)
	a, _ := s.Enqueue("a", 2, LanguageEN)
	s.Enqueue("b", 2, LanguageEN)

	next, ok := s.NextReady()
	if !ok || next.ID != a.ID {
		t.Errorf("NextReady = %d, want %d", next.ID, a.ID)
	}
	// NextReady must not mutate
	if j, _ := s.Get(a.ID); j.State != StatePending {
		t.Errorf("NextReady changed state to %s", j.State)
	}
}

func TestNewHighPriorityOvertakesPending(t *testing.T) {
	s := NewStore(0)
	low, _ := s.Enqueue("low", 1, LanguageEN)
	first, _ := s.Claim()
	if first.ID != low.ID {
		t.Fatal("expected low job to be claimed")
	}

	s.Enqueue("another low", 1, LanguageEN)
	urgent, _ := s.Enqueue("urgent", 5, LanguageEN)

	if _, ok := s.Claim(); ok {
		t.Fatal("claim must wait while a job is printing")
	}
	s.MarkPrinted(low.ID)

	next, ok := s.Claim()
	if !ok || next.ID != urgent.ID {
		t.Errorf("claimed %d, want urgent %d", next.ID, urgent.ID)
	}
}

func TestSingleActiveDelivery(t *testing.T) {
	s := NewStore(0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	b, _ := s.Enqueue("b", 3, LanguageEN)

	if _, err := s.MarkPrinting(a.ID); err != nil {
		t.Fatal(err)
	}
	_, err := s.MarkPrinting(b.ID)
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if st := s.Stats(); st.Printing != 1 {
		t.Errorf("printing = %d, want 1", st.Printing)
	}
}

func TestClaimIncrementsAttempts(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)
	job, _ := s.Enqueue("a", 3, LanguageEN)

	claimed, ok := s.Claim()
	if !ok {
		t.Fatal("nothing claimed")
	}
	if claimed.Attempts != 1 || claimed.State != StatePrinting {
		t.Errorf("unexpected claim %+v", claimed)
	}
	if claimed.LastAttemptAt == nil || !claimed.LastAttemptAt.Equal(clock.Now()) {
		t.Errorf("last attempt not recorded: %v", claimed.LastAttemptAt)
	}
	if got, _ := s.Get(job.ID); got.Attempts != 1 {
		t.Errorf("stored attempts = %d", got.Attempts)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := NewStore(0)
	job, _ := s.Enqueue("a", 3, LanguageEN)

	tests := []struct {
		name string
		do   func() error
	}{
		{"printed from pending", func() error { _, err := s.MarkPrinted(job.ID); return err }},
		{"failed from pending", func() error { _, err := s.MarkFailed(job.ID, "x"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var terr *InvalidTransitionError
			if err := tt.do(); !errors.As(err, &terr) {
				t.Fatalf("expected InvalidTransitionError, got %v", err)
			}
		})
	}

	s.Claim()
	s.MarkPrinted(job.ID)
	var terr *InvalidTransitionError
	if _, err := s.MarkFailed(job.ID, "late"); !errors.As(err, &terr) {
		t.Errorf("printed job must not fail, got %v", err)
	}
	if _, err := s.MarkPrinting(job.ID); !errors.As(err, &terr) {
		t.Errorf("printed job must not print again, got %v", err)
	}
	if _, err := s.Get(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLastErrorOnlyWhenFailed(t *testing.T) {
	s := NewStore(0)
	job, _ := s.Enqueue("a", 3, LanguageEN)
	s.Claim()
	failed, _ := s.MarkFailed(job.ID, "printer busy")
	if failed.LastError != "printer busy" {
		t.Errorf("last error = %q", failed.LastError)
	}

	s.RequeueAllFailed()
	if got, _ := s.Get(job.ID); got.LastError != "" {
		t.Errorf("pending job still carries error %q", got.LastError)
	}
}

func failJob(t *testing.T, s *Store, id int64) {
	t.Helper()
	if _, err := s.MarkPrinting(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkFailed(id, "timeout"); err != nil {
		t.Fatal(err)
	}
}

func TestRequeueAllFailed(t *testing.T) {
	s := NewStore(0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	b, _ := s.Enqueue("b", 3, LanguageEN)
	c, _ := s.Enqueue("c", 3, LanguageEN)

	failJob(t, s, a.ID)
	failJob(t, s, b.ID)
	failJob(t, s, c.ID)
	if _, err := s.MarkAbandoned(c.ID, "gave up"); err != nil {
		t.Fatal(err)
	}

	if n := s.RequeueAllFailed(); n != 2 {
		t.Fatalf("requeued %d, want 2", n)
	}
	for _, id := range []int64{a.ID, b.ID} {
		j, _ := s.Get(id)
		if j.State != StatePending || j.Attempts != 0 {
			t.Errorf("job %d = %s/%d, want pending/0", id, j.State, j.Attempts)
		}
	}
	if j, _ := s.Get(c.ID); j.State != StateAbandoned || j.Attempts != 1 {
		t.Errorf("abandoned job touched: %+v", j)
	}
	if n := s.RequeueAllFailed(); n != 0 {
		t.Errorf("second call requeued %d, want 0", n)
	}
}

func TestScheduledRetry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)
	job, _ := s.Enqueue("a", 3, LanguageEN)
	failJob(t, s, job.ID)

	due := clock.Now().Add(30 * time.Second)
	if err := s.ScheduleRetry(job.ID, due); err != nil {
		t.Fatal(err)
	}
	if at, ok := s.NextRetryAt(); !ok || !at.Equal(due) {
		t.Errorf("NextRetryAt = %v, %v", at, ok)
	}

	if n := s.RequeueDue(clock.Now()); n != 0 {
		t.Errorf("requeued %d before due", n)
	}
	clock.Advance(30 * time.Second)
	if n := s.RequeueDue(clock.Now()); n != 1 {
		t.Errorf("requeued %d at due time, want 1", n)
	}

	j, _ := s.Get(job.ID)
	if j.State != StatePending || j.Attempts != 1 || j.RetryAt != nil {
		t.Errorf("unexpected job after requeue %+v", j)
	}
	if _, ok := s.NextRetryAt(); ok {
		t.Error("no retry should remain scheduled")
	}

	select {
	case <-s.Wakeup():
	default:
		t.Error("requeue should signal the worker")
	}
}

func TestScheduleRetryRequiresFailed(t *testing.T) {
	s := NewStore(0)
	job, _ := s.Enqueue("a", 3, LanguageEN)
	var terr *InvalidTransitionError
	if err := s.ScheduleRetry(job.ID, time.Now()); !errors.As(err, &terr) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
}

func TestFailDelivery(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	b, _ := s.Enqueue("b", 3, LanguageEN)

	s.Claim()
	due := clock.Now().Add(10 * time.Second)
	failed, _, err := s.FailDelivery(a.ID, "timeout", Retry{At: due})
	if err != nil {
		t.Fatal(err)
	}
	if failed.State != StateFailed || failed.RetryAt == nil || !failed.RetryAt.Equal(due) {
		t.Errorf("retry not scheduled with the failure: %+v", failed)
	}

	s.Claim()
	failed, abandoned, err := s.FailDelivery(b.ID, "timeout", Retry{Abandon: "giving up"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.State != StateFailed || failed.LastError != "timeout" {
		t.Errorf("failed snapshot = %+v", failed)
	}
	if abandoned.State != StateAbandoned || abandoned.LastError != "giving up" || abandoned.CompletedAt == nil {
		t.Errorf("abandoned snapshot = %+v", abandoned)
	}

	for _, j := range s.Export().Jobs {
		if j.State == StateFailed && j.RetryAt == nil {
			t.Errorf("job %d exported failed without a retry time", j.ID)
		}
	}

	var terr *InvalidTransitionError
	if _, _, err := s.FailDelivery(a.ID, "again", Retry{At: due}); !errors.As(err, &terr) {
		t.Errorf("failing a failed job: got %v", err)
	}
}

func TestRestoreSchedulesUnscheduledFailures(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 0)
	job, _ := s.Enqueue("a", 3, LanguageEN)
	failJob(t, s, job.ID)

	restored := newTestStore(clock, 0)
	restored.Restore(s.Export())
	j, _ := restored.Get(job.ID)
	if j.State != StateFailed || j.RetryAt == nil || !j.RetryAt.Equal(clock.Now()) {
		t.Fatalf("restored failure not scheduled: %+v", j)
	}
	if n := restored.RequeueDue(clock.Now()); n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	s := NewStore(0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	b, _ := s.Enqueue("b", 3, LanguageEN)

	if err := s.Cancel(b.ID); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled job still present: %v", err)
	}

	s.Claim()
	var terr *InvalidTransitionError
	if err := s.Cancel(a.ID); !errors.As(err, &terr) {
		t.Errorf("cancelling a printing job must fail, got %v", err)
	}

	next, _ := s.Enqueue("c", 3, LanguageEN)
	if next.ID <= b.ID {
		t.Errorf("id %d reused after cancel", next.ID)
	}
}

func TestClearQueue(t *testing.T) {
	s := NewStore(0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	b, _ := s.Enqueue("b", 3, LanguageEN)
	c, _ := s.Enqueue("c", 1, LanguageEN)
	failJob(t, s, a.ID)
	s.MarkPrinting(b.ID)

	cleared := s.ClearQueue(ClearedReason)
	if len(cleared) != 2 {
		t.Fatalf("cleared %d, want 2", len(cleared))
	}
	for _, id := range []int64{a.ID, c.ID} {
		j, _ := s.Get(id)
		if j.State != StateAbandoned || j.LastError != ClearedReason {
			t.Errorf("job %d = %s %q", id, j.State, j.LastError)
		}
	}
	if j, _ := s.Get(b.ID); j.State != StatePrinting {
		t.Errorf("printing job must not be cleared, got %s", j.State)
	}
}

func TestStatsConsistent(t *testing.T) {
	s := NewStore(0)
	var ids []int64
	for i := 0; i < 6; i++ {
		j, _ := s.Enqueue("t", 3, LanguageEN)
		ids = append(ids, j.ID)
	}
	s.MarkPrinting(ids[0])
	s.MarkPrinted(ids[0])
	failJob(t, s, ids[1])
	failJob(t, s, ids[2])
	s.MarkAbandoned(ids[2], "gave up")
	s.MarkPrinting(ids[3])

	st := s.Stats()
	sum := st.Pending + st.Printing + st.Failed + st.Abandoned + st.Printed
	if sum != st.Total || st.Total != 6 {
		t.Errorf("inconsistent stats %+v", st)
	}
	if st.Pending != 2 || st.Printing != 1 || st.Failed != 1 || st.Abandoned != 1 || st.Printed != 1 {
		t.Errorf("unexpected counts %+v", st)
	}
}

func TestPrintedTodayByLocalDay(t *testing.T) {
	clock := newFakeClock()
	clock.Set(time.Date(2026, 3, 14, 23, 30, 0, 0, time.Local))
	s := newTestStore(clock, 0)

	job, _ := s.Enqueue("a", 3, LanguageEN)
	s.Claim()
	s.MarkPrinted(job.ID)
	if st := s.Stats(); st.PrintedToday != 1 || st.PrintedTotal != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	clock.Advance(time.Hour)
	st := s.Stats()
	if st.PrintedToday != 0 {
		t.Errorf("printed today should reset at midnight, got %d", st.PrintedToday)
	}
	if st.PrintedTotal != 1 {
		t.Errorf("printed total = %d, want 1", st.PrintedTotal)
	}
}

func TestHistoryEviction(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, 2)

	var ids []int64
	for i := 0; i < 3; i++ {
		j, _ := s.Enqueue("t", 3, LanguageEN)
		ids = append(ids, j.ID)
		s.Claim()
		clock.Advance(time.Second)
		s.MarkPrinted(j.ID)
	}
	pending, _ := s.Enqueue("still waiting", 1, LanguageEN)

	if _, err := s.Get(ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest terminal job should be evicted, got %v", err)
	}
	for _, id := range []int64{ids[1], ids[2], pending.ID} {
		if _, err := s.Get(id); err != nil {
			t.Errorf("job %d evicted: %v", id, err)
		}
	}
	if pending.ID != 4 {
		t.Errorf("next id = %d, want 4", pending.ID)
	}
	if st := s.Stats(); st.PrintedTotal != 3 || st.Total != 3 {
		t.Errorf("unexpected stats after eviction %+v", st)
	}
}

func TestExportRestore(t *testing.T) {
	s := NewStore(0)
	a, _ := s.Enqueue("a", 3, LanguageEN)
	s.Enqueue("b", 2, LanguageDE)
	s.Claim()
	s.Cancel(2)

	snap := s.Export()
	if snap.NextID != 3 || len(snap.Jobs) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	restored := NewStore(0)
	if n := restored.Restore(snap); n != 1 {
		t.Errorf("recovered %d printing jobs, want 1", n)
	}
	j, err := restored.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != StatePending || j.Attempts != 1 {
		t.Errorf("restored job = %s/%d, want pending/1", j.State, j.Attempts)
	}
	next, _ := restored.Enqueue("c", 1, LanguageEN)
	if next.ID != 3 {
		t.Errorf("id after restore = %d, want 3", next.ID)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := NewStore(0)
	job, _ := s.Enqueue("a", 3, LanguageEN)
	claimed, _ := s.Claim()
	*claimed.LastAttemptAt = time.Time{}

	got, _ := s.Get(job.ID)
	if got.LastAttemptAt.IsZero() {
		t.Error("mutating a snapshot changed the store")
	}
}
