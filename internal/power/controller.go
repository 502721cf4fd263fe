// Package power switches the printer's smart plug over a pub/sub broker
// before a delivery and back off after the printer has been idle.
package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paperoo/spool/internal/config"
)

type ErrorKind string

const (
	KindBrokerUnavailable ErrorKind = "broker_unavailable"
	KindTimeout           ErrorKind = "timeout"
)

type PowerError struct {
	Kind ErrorKind
	Err  error
}

func (e *PowerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("power: %s", e.Kind)
	}
	return fmt.Sprintf("power: %s: %v", e.Kind, e.Err)
}

func (e *PowerError) Unwrap() error { return e.Err }

func (e *PowerError) Is(target error) bool {
	t, ok := target.(*PowerError)
	return ok && t.Kind == e.Kind
}

var (
	ErrBrokerUnavailable = &PowerError{Kind: KindBrokerUnavailable}
	ErrTimeout           = &PowerError{Kind: KindTimeout}
)

// PubSub is the narrow broker capability the controller depends on.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) error
	Close() error
}

// Controller ensures the plug is on before each delivery. A disabled
// controller is a no-op.
type Controller struct {
	cfg    config.PowerConfig
	pubsub PubSub
	log    *slog.Logger

	mu         sync.Mutex
	powered    bool
	subscribed bool
	acks       chan struct{}
	idleTimer  *time.Timer
	closed     bool
}

func NewController(cfg config.PowerConfig, pubsub PubSub, log *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		pubsub: pubsub,
		log:    log,
		acks:   make(chan struct{}, 1),
	}
}

func (c *Controller) Enabled() bool {
	return c.cfg.Enabled && c.pubsub != nil
}

func (c *Controller) Powered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

// EnsurePowered publishes the power-on command unless the plug is already
// known to be on, then waits for an ack or the settle delay.
func (c *Controller) EnsurePowered(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &PowerError{Kind: KindBrokerUnavailable, Err: errors.New("controller closed")}
	}
	if c.powered {
		c.resetIdleLocked()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.cfg.AckTopic != "" {
		if err := c.subscribeAcks(ctx); err != nil {
			return err
		}
		c.drainAcks()
	}

	if err := c.pubsub.Publish(ctx, c.cfg.TopicOn, []byte(c.cfg.PayloadOn)); err != nil {
		return brokerError(err)
	}
	c.log.Info("power on requested", "topic", c.cfg.TopicOn)

	if err := c.waitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.powered = true
	c.resetIdleLocked()
	c.mu.Unlock()
	return nil
}

func (c *Controller) subscribeAcks(ctx context.Context) error {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if subscribed {
		return nil
	}

	err := c.pubsub.Subscribe(ctx, c.cfg.AckTopic, func(payload []byte) {
		if c.cfg.AckPayload != "" && !bytes.Equal(bytes.TrimSpace(payload), []byte(c.cfg.AckPayload)) {
			return
		}
		select {
		case c.acks <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return brokerError(err)
	}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

// drainAcks drops a stale ack left over from an earlier power cycle.
func (c *Controller) drainAcks() {
	select {
	case <-c.acks:
	default:
	}
}

func (c *Controller) waitReady(ctx context.Context) error {
	if c.cfg.AckTopic == "" {
		if c.cfg.SettleDelay <= 0 {
			return nil
		}
		t := time.NewTimer(c.cfg.SettleDelay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return &PowerError{Kind: KindTimeout, Err: ctx.Err()}
		}
	}

	t := time.NewTimer(c.cfg.AckTimeout)
	defer t.Stop()
	select {
	case <-c.acks:
		return nil
	case <-t.C:
		return &PowerError{Kind: KindTimeout, Err: fmt.Errorf("no ack on %s within %s", c.cfg.AckTopic, c.cfg.AckTimeout)}
	case <-ctx.Done():
		return &PowerError{Kind: KindTimeout, Err: ctx.Err()}
	}
}

// Invalidate forgets the powered state so the next delivery sends power-on
// again, used when the printer stopped answering.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = false
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
}

func (c *Controller) resetIdleLocked() {
	if c.cfg.IdleTimeout <= 0 || c.cfg.TopicOff == "" {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.powerOff)
}

// powerOff runs when the printer has been idle for the configured timeout.
func (c *Controller) powerOff() {
	c.mu.Lock()
	if c.closed || !c.powered {
		c.mu.Unlock()
		return
	}
	c.powered = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.pubsub.Publish(ctx, c.cfg.TopicOff, []byte(c.cfg.PayloadOff)); err != nil {
		c.log.Warn("power off failed", "topic", c.cfg.TopicOff, "error", err)
		return
	}
	c.log.Info("printer idle, power off sent", "topic", c.cfg.TopicOff)
}

func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()

	if c.pubsub != nil {
		return c.pubsub.Close()
	}
	return nil
}

func brokerError(err error) error {
	var perr *PowerError
	if errors.As(err, &perr) {
		return err
	}
	return &PowerError{Kind: KindBrokerUnavailable, Err: err}
}
