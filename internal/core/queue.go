package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/printer"
)

// ClearedReason is recorded on jobs abandoned by ClearQueue.
const ClearedReason = "cleared by operator"

// PowerDevice is a power switch the queue owns and eventually closes.
type PowerDevice interface {
	PowerSwitch
	Powered() bool
	Close() error
}

// Factory builds the configuration-derived collaborators, both at startup
// and on every ApplyConfig.
type Factory interface {
	Transport(cfg config.PrinterConfig) (printer.Transport, error)
	Power(cfg config.PowerConfig) (PowerDevice, error)
}

// Queue is the entry point for everything outside the delivery engine.
type Queue struct {
	store   *Store
	printer *PrinterManager
	worker  *Worker
	factory Factory
	events  EventSink
	log     *slog.Logger

	// applyMu serializes configuration changes end to end.
	applyMu sync.Mutex

	mu      sync.RWMutex
	cfg     *config.Config
	power   PowerDevice
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewQueue(cfg *config.Config, store *Store, factory Factory, events EventSink, log *slog.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, p, err := build(cfg, factory)
	if err != nil {
		return nil, err
	}
	store.SetHistoryLimit(cfg.Queue.HistoryLimit)

	pm := NewPrinterManager(t, cfg.Printer.HealthCheckInterval, log)
	return &Queue{
		store:   store,
		printer: pm,
		worker:  NewWorker(store, pm, PolicyFromConfig(cfg), p, events, log),
		factory: factory,
		events:  events,
		log:     log,
		cfg:     cfg,
		power:   p,
	}, nil
}

func build(cfg *config.Config, factory Factory) (printer.Transport, PowerDevice, error) {
	t, err := factory.Transport(cfg.Printer)
	if err != nil {
		return nil, nil, asConfigError("printer", err)
	}
	p, err := factory.Power(cfg.Power)
	if err != nil {
		t.Close()
		return nil, nil, asConfigError("power", err)
	}
	return t, p, nil
}

func asConfigError(field string, err error) error {
	if _, ok := err.(*config.ConfigError); ok {
		return err
	}
	return &config.ConfigError{Field: field, Reason: err.Error()}
}

// Start launches the delivery worker and the printer health check.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		q.worker.Run(ctx)
	}()
	q.printer.Start()
}

// Stop waits for the delivery in progress, then releases the printer and
// the power switch.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	done := q.done
	p := q.power
	q.mu.Unlock()

	<-done
	if err := q.printer.Close(); err != nil {
		q.log.Warn("failed to close printer", "error", err)
	}
	if p != nil {
		if err := p.Close(); err != nil {
			q.log.Warn("failed to close power controller", "error", err)
		}
	}
}

func (q *Queue) Store() *Store { return q.store }

func (q *Queue) Config() *config.Config {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cfg
}

// Submit enqueues a job. An empty language selects the configured default.
func (q *Queue) Submit(text string, priority int, language string) (Job, error) {
	lang := Language(language)
	if lang == "" {
		lang = Language(q.Config().Language)
	}
	job, err := q.store.Enqueue(text, priority, lang)
	if err != nil {
		return Job{}, err
	}
	q.log.Info("job submitted", "job_id", job.ID, "priority", job.Priority, "language", job.Language)
	q.emit(EventJobSubmitted, job)
	return job, nil
}

func (q *Queue) GetStatus(id int64) (Job, error) {
	return q.store.Get(id)
}

func (q *Queue) ListPending() []Job { return q.store.ListPending() }

func (q *Queue) ListFailed() []Job { return q.store.ListFailed() }

func (q *Queue) List(state JobState) []Job { return q.store.List(state) }

func (q *Queue) Stats() Stats { return q.store.Stats() }

// RetryAllFailed requeues every failed job with a fresh attempt budget.
func (q *Queue) RetryAllFailed() int {
	n := q.store.RequeueAllFailed()
	if n > 0 {
		q.log.Info("failed jobs requeued", "count", n)
	}
	return n
}

func (q *Queue) Cancel(id int64) error {
	if err := q.store.Cancel(id); err != nil {
		return err
	}
	q.log.Info("job cancelled", "job_id", id)
	return nil
}

// ClearQueue abandons every pending and failed job.
func (q *Queue) ClearQueue() int {
	cleared := q.store.ClearQueue(ClearedReason)
	for _, j := range cleared {
		q.emit(EventJobAbandoned, j)
	}
	if len(cleared) > 0 {
		q.log.Info("queue cleared", "count", len(cleared))
	}
	return len(cleared)
}

// PrinterStatus reports the printer target, probing it first when asked.
func (q *Queue) PrinterStatus(ctx context.Context, probe bool) PrinterTarget {
	if probe {
		ctx, cancel := context.WithTimeout(ctx, config.MaxProbeTimeout)
		_ = q.printer.Probe(ctx)
		cancel()
	}
	t := q.printer.Target()

	q.mu.RLock()
	if q.power != nil {
		t.Powered = q.power.Powered()
	}
	q.mu.RUnlock()
	return t
}

// ApplyConfig validates cfg and swaps it in once the delivery in progress
// has finished. On error the previous configuration stays active.
func (q *Queue) ApplyConfig(cfg *config.Config) error {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()
	return q.applyLocked(cfg)
}

// UpdateConfig applies edit to a copy of the running configuration and
// applies the result. Concurrent updates never overwrite each other.
func (q *Queue) UpdateConfig(edit func(cfg *config.Config)) (*config.Config, error) {
	q.applyMu.Lock()
	defer q.applyMu.Unlock()
	cfg := q.Config().Clone()
	edit(cfg)
	if err := q.applyLocked(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (q *Queue) applyLocked(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, p, err := build(cfg, q.factory)
	if err != nil {
		return err
	}

	old := q.worker.Reconfigure(PolicyFromConfig(cfg), p, func() {
		q.printer.SetTransport(t)
		q.store.SetHistoryLimit(cfg.Queue.HistoryLimit)
	})
	q.printer.SetInterval(cfg.Printer.HealthCheckInterval)

	q.mu.Lock()
	q.cfg = cfg
	q.power = p
	q.mu.Unlock()

	if old != nil {
		if c, ok := old.(PowerDevice); ok {
			if err := c.Close(); err != nil {
				q.log.Warn("failed to close previous power controller", "error", err)
			}
		}
	}
	q.log.Info("configuration applied", "printer", cfg.Printer.Type, "power", cfg.Power.Enabled)
	return nil
}

func (q *Queue) emit(typ string, job Job) {
	if q.events == nil {
		return
	}
	q.events.Publish(Event{Type: typ, Job: job, Timestamp: time.Now()})
}
