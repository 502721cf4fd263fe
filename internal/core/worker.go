package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/printer"
)

// powerConnectAllowance covers the broker connect on top of the settle or
// ack wait.
const powerConnectAllowance = 5 * time.Second

// PowerSwitch is the part of the power controller the worker needs.
type PowerSwitch interface {
	EnsurePowered(ctx context.Context) error
	Invalidate()
}

// Policy holds the retry and timeout settings applied to each delivery.
type Policy struct {
	MaxAttempts  int
	Backoff      Backoff
	MaxJobAge    time.Duration
	SendTimeout  time.Duration
	PowerTimeout time.Duration
	IdlePoll     time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      NewBackoff(cfg.Queue),
		MaxJobAge:    cfg.Queue.MaxJobAge,
		SendTimeout:  cfg.Printer.SendTimeout,
		PowerTimeout: cfg.Power.SettleDelay + cfg.Power.AckTimeout + powerConnectAllowance,
		IdlePoll:     cfg.Queue.IdlePoll,
	}
}

// Worker is the single consumer of the job store. It delivers one job at a
// time and absorbs every delivery error into the job's state.
type Worker struct {
	store    *Store
	printer  *PrinterManager
	renderer Renderer
	events   EventSink
	log      *slog.Logger
	now      func() time.Time

	// deliverMu is held for the whole of a delivery.
	deliverMu sync.Mutex

	mu     sync.RWMutex
	policy Policy
	power  PowerSwitch
}

func NewWorker(store *Store, pm *PrinterManager, policy Policy, power PowerSwitch, events EventSink, log *slog.Logger) *Worker {
	return &Worker{
		store:    store,
		printer:  pm,
		renderer: ReceiptRenderer{},
		events:   events,
		log:      log,
		now:      time.Now,
		policy:   policy,
		power:    power,
	}
}

func (w *Worker) settings() (Policy, PowerSwitch) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy, w.power
}

// Reconfigure waits for the delivery in progress, if any, then runs fn with
// no delivery active. It returns the previous power switch so the caller can
// release it.
func (w *Worker) Reconfigure(policy Policy, power PowerSwitch, fn func()) PowerSwitch {
	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	w.mu.Lock()
	old := w.power
	w.policy = policy
	w.power = power
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
	return old
}

// Run delivers jobs until ctx is canceled. A delivery in progress always
// runs to completion or timeout.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("delivery worker started")
	defer w.log.Info("delivery worker stopped")

	for ctx.Err() == nil {
		if w.step() {
			continue
		}
		w.wait(ctx)
	}
}

// step requeues due retries and delivers at most one job. It reports
// whether a job was delivered.
func (w *Worker) step() bool {
	if n := w.store.RequeueDue(w.now()); n > 0 {
		w.log.Debug("requeued due retries", "count", n)
	}

	w.deliverMu.Lock()
	defer w.deliverMu.Unlock()

	job, ok := w.store.Claim()
	if !ok {
		return false
	}
	w.deliver(job)
	return true
}

// wait idles until a job is enqueued, a retry falls due, the idle poll
// elapses or ctx is canceled.
func (w *Worker) wait(ctx context.Context) {
	policy, _ := w.settings()
	d := policy.IdlePoll
	if d <= 0 {
		d = 30 * time.Second
	}
	if at, ok := w.store.NextRetryAt(); ok {
		if until := at.Sub(w.now()); until < d {
			d = until
		}
	}
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.store.Wakeup():
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (w *Worker) deliver(job Job) {
	policy, power := w.settings()
	log := w.log.With("job_id", job.ID, "attempt", job.Attempts)

	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery panicked", "panic", r)
			w.fail(job, policy, fmt.Errorf("delivery panicked: %v", r))
		}
	}()

	payload, err := w.renderer.Render(job, w.now())
	if err != nil {
		w.abandonRender(job, err)
		return
	}

	if power != nil {
		ctx, cancel := context.WithTimeout(context.Background(), policy.PowerTimeout)
		err := power.EnsurePowered(ctx)
		cancel()
		if err != nil {
			w.fail(job, policy, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), policy.SendTimeout)
	err = w.printer.Send(ctx, payload)
	cancel()
	if err != nil {
		if power != nil && errors.Is(err, printer.ErrNotConnected) {
			power.Invalidate()
		}
		w.fail(job, policy, err)
		return
	}

	printed, err := w.store.MarkPrinted(job.ID)
	if err != nil {
		log.Error("failed to mark job printed", "error", err)
		return
	}
	log.Info("job printed")
	w.emit(EventJobPrinted, printed)
}

func (w *Worker) fail(job Job, policy Policy, cause error) {
	log := w.log.With("job_id", job.ID, "attempt", job.Attempts)

	now := w.now()
	var next Retry
	switch {
	case job.Attempts >= policy.MaxAttempts:
		next.Abandon = fmt.Sprintf("giving up after %d attempts: %s", job.Attempts, cause)
	case policy.MaxJobAge > 0 && now.Sub(job.CreatedAt) > policy.MaxJobAge:
		next.Abandon = fmt.Sprintf("older than %s: %s", policy.MaxJobAge, cause)
	default:
		next.At = now.Add(policy.Backoff.Delay(job.Attempts))
	}

	failed, abandoned, err := w.store.FailDelivery(job.ID, cause.Error(), next)
	if err != nil {
		log.Error("failed to record delivery failure", "error", err)
		return
	}
	w.emit(EventJobFailed, failed)
	if next.Abandon != "" {
		w.abandoned(abandoned)
		return
	}
	log.Warn("delivery failed, retry scheduled", "error", cause, "delay", next.At.Sub(now))
}

// abandonRender skips the retry budget: a job that cannot be rendered will
// never render.
func (w *Worker) abandonRender(job Job, cause error) {
	failed, abandoned, err := w.store.FailDelivery(job.ID, cause.Error(), Retry{Abandon: cause.Error()})
	if err != nil {
		w.log.Error("failed to record render failure", "job_id", job.ID, "error", err)
		return
	}
	w.emit(EventJobFailed, failed)
	w.abandoned(abandoned)
}

func (w *Worker) abandoned(job Job) {
	w.log.Error("job abandoned", "job_id", job.ID, "attempts", job.Attempts, "reason", job.LastError)
	w.emit(EventJobAbandoned, job)
}

func (w *Worker) emit(typ string, job Job) {
	if w.events == nil {
		return
	}
	w.events.Publish(Event{Type: typ, Job: job, Timestamp: w.now()})
}
