// Package printer implements the ESC/POS transports the delivery worker
// writes receipts through. Every transport opens a scoped connection per
// call and releases it on every exit path.
package printer

import (
	"context"
	"fmt"
	"time"

	"github.com/paperoo/spool/internal/config"
)

type Kind string

const (
	KindUSB     Kind = config.PrinterUSB
	KindSerial  Kind = config.PrinterSerial
	KindNetwork Kind = config.PrinterNetwork
)

const defaultProbeTimeout = config.MaxProbeTimeout

// Transport is the send/probe contract shared by USB, serial and network printers.
type Transport interface {
	Kind() Kind
	Address() string
	Probe(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// New selects the transport for the configured printer type.
func New(cfg config.PrinterConfig) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case config.PrinterNetwork:
		return NewNetwork(cfg.Network.Host, cfg.Network.Port, cfg.ProbeTimeout, cfg.Network.ConfirmStatus), nil
	case config.PrinterSerial:
		return NewSerial(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.ProbeTimeout), nil
	case config.PrinterUSB:
		vid, _ := config.ParseHexID(cfg.USB.VendorID)
		pid, _ := config.ParseHexID(cfg.USB.ProductID)
		return NewUSB(vid, pid, cfg.USB.OutEndpoint, cfg.ProbeTimeout), nil
	}
	return nil, fmt.Errorf("unknown printer type %q", cfg.Type)
}

// probeContext bounds a probe by the transport's ceiling, whatever the caller passed.
func probeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 || timeout > defaultProbeTimeout {
		timeout = defaultProbeTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// runWithContext runs a blocking call that has no deadline support of its own.
// On timeout abort is invoked so the call can unblock; the call's own result is
// discarded.
func runWithContext(ctx context.Context, op string, call func() error, abort func()) error {
	done := make(chan error, 1)
	go func() { done <- call() }()

	select {
	case err := <-done:
		return classify(op, err)
	case <-ctx.Done():
		abort()
		return newError(KindTimeout, op, ctx.Err())
	}
}
