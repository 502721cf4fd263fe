package power

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paperoo/spool/internal/config"
	"github.com/paperoo/spool/internal/logger"
)

type published struct {
	topic   string
	payload string
}

// fakeBroker records publishes and can reply on the ack topic.
type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]func([]byte)
	publishErr error
	ackWith    string
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]func([]byte))}
}

func (b *fakeBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	b.published = append(b.published, published{topic, string(payload)})
	ack := b.ackWith
	var handlers []func([]byte)
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	if ack != "" {
		for _, h := range handlers {
			go h([]byte(ack))
		}
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, topic string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.published))
	for i, p := range b.published {
		out[i] = p.topic
	}
	return out
}

func testPowerConfig() config.PowerConfig {
	cfg := config.Defaults().Power
	cfg.Enabled = true
	cfg.SettleDelay = 10 * time.Millisecond
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.AckTopic = ""
	return cfg
}

func TestDisabledControllerIsNoop(t *testing.T) {
	b := newFakeBroker()
	cfg := testPowerConfig()
	cfg.Enabled = false
	c := NewController(cfg, b, logger.Discard())

	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatalf("EnsurePowered: %v", err)
	}
	if len(b.topics()) != 0 {
		t.Errorf("disabled controller published %v", b.topics())
	}
}

func TestEnsurePoweredSettleDelay(t *testing.T) {
	b := newFakeBroker()
	cfg := testPowerConfig()
	c := NewController(cfg, b, logger.Discard())

	start := time.Now()
	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatalf("EnsurePowered: %v", err)
	}
	if time.Since(start) < cfg.SettleDelay {
		t.Error("settle delay was not honoured")
	}
	if got := b.topics(); len(got) != 1 || got[0] != cfg.TopicOn {
		t.Errorf("published %v, want [%s]", got, cfg.TopicOn)
	}
	if !c.Powered() {
		t.Error("controller should report powered")
	}

	// a second delivery must not toggle the plug again
	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatalf("EnsurePowered: %v", err)
	}
	if got := b.topics(); len(got) != 1 {
		t.Errorf("already powered, but published %v", got)
	}
}

func TestEnsurePoweredWaitsForAck(t *testing.T) {
	b := newFakeBroker()
	b.ackWith = "ON"
	cfg := testPowerConfig()
	cfg.AckTopic = "stat/printer/POWER"
	cfg.AckPayload = "ON"
	c := NewController(cfg, b, logger.Discard())

	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatalf("EnsurePowered: %v", err)
	}
	if !c.Powered() {
		t.Error("controller should report powered after ack")
	}
}

func TestEnsurePoweredAckTimeout(t *testing.T) {
	b := newFakeBroker()
	b.ackWith = "OFF"
	cfg := testPowerConfig()
	cfg.AckTopic = "stat/printer/POWER"
	cfg.AckPayload = "ON"
	c := NewController(cfg, b, logger.Discard())

	err := c.EnsurePowered(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if c.Powered() {
		t.Error("controller must not report powered without ack")
	}
}

func TestEnsurePoweredBrokerUnavailable(t *testing.T) {
	b := newFakeBroker()
	b.publishErr = errors.New("connection refused")
	c := NewController(testPowerConfig(), b, logger.Discard())

	err := c.EnsurePowered(context.Background())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestIdlePowerOff(t *testing.T) {
	b := newFakeBroker()
	cfg := testPowerConfig()
	cfg.SettleDelay = 0
	cfg.IdleTimeout = 20 * time.Millisecond
	c := NewController(cfg, b, logger.Discard())
	defer c.Close()

	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatalf("EnsurePowered: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && c.Powered() {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Powered() {
		t.Fatal("controller still powered after idle timeout")
	}

	// give the off publish a moment after powered flipped
	time.Sleep(10 * time.Millisecond)
	got := b.topics()
	if len(got) != 2 || got[1] != cfg.TopicOff {
		t.Errorf("published %v, want on then off", got)
	}
}

func TestInvalidateForcesPowerOn(t *testing.T) {
	b := newFakeBroker()
	cfg := testPowerConfig()
	cfg.SettleDelay = 0
	c := NewController(cfg, b, logger.Discard())

	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	if err := c.EnsurePowered(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := b.topics(); len(got) != 2 {
		t.Errorf("expected two power-on publishes, got %v", got)
	}
}

func TestCloseClosesBroker(t *testing.T) {
	b := newFakeBroker()
	c := NewController(testPowerConfig(), b, logger.Discard())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !b.closed {
		t.Error("broker not closed")
	}
	if err := c.EnsurePowered(context.Background()); !errors.Is(err, ErrBrokerUnavailable) {
		t.Errorf("closed controller should refuse, got %v", err)
	}
}
