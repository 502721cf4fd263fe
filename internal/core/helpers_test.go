package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/logger"
	"github.com/paperoo/spool/internal/printer"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestStore(clock *fakeClock, historyLimit int) *Store {
	s := NewStore(historyLimit)
	s.now = clock.Now
	return s
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	err    error
	probes int
	closed bool
}

func (t *fakeTransport) Kind() printer.Kind { return printer.KindNetwork }

func (t *fakeTransport) Address() string { return "fake:9100" }

func (t *fakeTransport) Probe(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes++
	return t.err
}

func (t *fakeTransport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, append([]byte(nil), payload...))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakePower struct {
	mu          sync.Mutex
	err         error
	calls       int
	invalidated int
	powered     bool
	closed      bool
}

func (p *fakePower) EnsurePowered(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.powered = true
	return nil
}

func (p *fakePower) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated++
	p.powered = false
}

func (p *fakePower) Powered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered
}

func (p *fakePower) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePower) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		Backoff:      linearBackoff{base: 10 * time.Second, max: 30 * time.Second},
		SendTimeout:  time.Second,
		PowerTimeout: time.Second,
		IdlePoll:     50 * time.Millisecond,
	}
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Printer.Type = config.PrinterNetwork
	cfg.Printer.HealthCheckInterval = 0
	cfg.Database.Path = ""
	cfg.Queue.IdlePoll = 20 * time.Millisecond
	cfg.Queue.RetryDelay = 10 * time.Millisecond
	cfg.Queue.MaxRetryDelay = 20 * time.Millisecond
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var discard = logger.Discard()
