package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/printer"
)

var ErrNoPrinter = errors.New("no printer configured")

// PrinterManager owns the single printer session. Sends and health probes
// share one session so they never interleave on the device. Waiting for the
// session honors the caller's context.
type PrinterManager struct {
	log      *slog.Logger
	interval time.Duration

	session   chan struct{}
	transport printer.Transport

	mu     sync.RWMutex
	target PrinterTarget

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	running bool
}

func NewPrinterManager(t printer.Transport, healthCheckInterval time.Duration, log *slog.Logger) *PrinterManager {
	pm := &PrinterManager{
		log:      log,
		interval: healthCheckInterval,
		session:  make(chan struct{}, 1),
	}
	pm.setTarget(t)
	return pm
}

func (pm *PrinterManager) setTarget(t printer.Transport) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.transport = t
	if t == nil {
		pm.target = PrinterTarget{}
		return
	}
	pm.target = PrinterTarget{Kind: string(t.Kind()), Address: t.Address()}
}

// Start runs the periodic health check. A zero interval disables it.
func (pm *PrinterManager) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.started = true
	pm.startLocked()
}

func (pm *PrinterManager) startLocked() {
	if pm.running || pm.interval <= 0 {
		return
	}
	pm.running = true
	pm.stopCh = make(chan struct{})
	pm.wg.Add(1)
	go pm.healthCheckLoop(pm.interval, pm.stopCh)
}

func (pm *PrinterManager) Stop() {
	pm.mu.Lock()
	pm.started = false
	pm.stopLocked()
	pm.mu.Unlock()

	pm.wg.Wait()
}

func (pm *PrinterManager) stopLocked() {
	if !pm.running {
		return
	}
	pm.running = false
	close(pm.stopCh)
}

// SetInterval changes the health check period, restarting the loop if the
// manager was started.
func (pm *PrinterManager) SetInterval(d time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.interval == d {
		return
	}
	pm.stopLocked()
	pm.interval = d
	if pm.started {
		pm.startLocked()
	}
}

func (pm *PrinterManager) healthCheckLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer pm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.MaxProbeTimeout)
			_ = pm.Probe(ctx)
			cancel()
		}
	}
}

func (pm *PrinterManager) current() printer.Transport {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.transport
}

// acquire takes the session or fails with a busy error once ctx is done.
func (pm *PrinterManager) acquire(ctx context.Context, op string) error {
	select {
	case pm.session <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &printer.TransportError{Kind: printer.KindBusy, Op: op, Err: ctx.Err()}
	}
}

func (pm *PrinterManager) release() { <-pm.session }

// Probe checks reachability and records the result on the target. When a
// send holds the session past ctx, Probe returns printer.ErrBusy and leaves
// the recorded state alone.
func (pm *PrinterManager) Probe(ctx context.Context) error {
	if err := pm.acquire(ctx, "probe"); err != nil {
		return err
	}
	defer pm.release()

	t := pm.current()
	if t == nil {
		return ErrNoPrinter
	}
	err := t.Probe(ctx)
	pm.record(err)
	return err
}

// Send delivers one payload. The transport opens and closes its own
// connection inside the call.
func (pm *PrinterManager) Send(ctx context.Context, payload []byte) error {
	if err := pm.acquire(ctx, "send"); err != nil {
		return err
	}
	defer pm.release()

	t := pm.current()
	if t == nil {
		return ErrNoPrinter
	}
	err := t.Send(ctx, payload)
	pm.record(err)
	return err
}

func (pm *PrinterManager) record(err error) {
	now := time.Now()

	pm.mu.Lock()
	wasReachable := pm.target.Reachable
	checked := pm.target.LastChecked != nil
	pm.target.LastChecked = &now
	pm.target.Reachable = err == nil
	pm.target.LastError = ""
	if err != nil {
		pm.target.LastError = err.Error()
	}
	pm.mu.Unlock()

	if !checked || wasReachable != (err == nil) {
		if err != nil {
			pm.log.Warn("printer unreachable", "error", err)
		} else {
			pm.log.Info("printer reachable")
		}
	}
}

func (pm *PrinterManager) Target() PrinterTarget {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	t := pm.target
	t.LastChecked = copyTime(pm.target.LastChecked)
	return t
}

// SetTransport swaps the printer. It waits for any session in progress and
// closes the previous transport.
func (pm *PrinterManager) SetTransport(t printer.Transport) {
	pm.session <- struct{}{}
	defer pm.release()

	old := pm.current()
	pm.setTarget(t)
	if old != nil && old != t {
		if err := old.Close(); err != nil {
			pm.log.Warn("failed to close previous transport", "error", err)
		}
	}
}

// Close stops the health check and releases the transport.
func (pm *PrinterManager) Close() error {
	pm.Stop()
	pm.session <- struct{}{}
	defer pm.release()
	if t := pm.current(); t != nil {
		return t.Close()
	}
	return nil
}
