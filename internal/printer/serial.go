package printer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

type serialPort interface {
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

type serialOpener func(name string, mode *serial.Mode) (serialPort, error)

func openSerial(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// Serial drives a printer attached to a serial or USB-serial port.
type Serial struct {
	port         string
	baud         int
	probeTimeout time.Duration
	open         serialOpener
}

func NewSerial(port string, baud int, probeTimeout time.Duration) *Serial {
	return &Serial{
		port:         port,
		baud:         baud,
		probeTimeout: probeTimeout,
		open:         openSerial,
	}
}

func (s *Serial) Kind() Kind { return KindSerial }

func (s *Serial) Address() string {
	return fmt.Sprintf("%s@%d", s.port, s.baud)
}

func (s *Serial) connect(ctx context.Context, op string) (serialPort, error) {
	type opened struct {
		port serialPort
		err  error
	}
	ch := make(chan opened, 1)
	go func() {
		p, err := s.open(s.port, &serial.Mode{BaudRate: s.baud})
		ch <- opened{p, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, serialError(op, r.err)
		}
		return r.port, nil
	case <-ctx.Done():
		// release the handle if the open completes after we gave up
		go func() {
			if r := <-ch; r.port != nil {
				r.port.Close()
			}
		}()
		return nil, newError(KindTimeout, op, ctx.Err())
	}
}

// Probe opens and releases the port.
func (s *Serial) Probe(ctx context.Context) error {
	ctx, cancel := probeContext(ctx, s.probeTimeout)
	defer cancel()

	port, err := s.connect(ctx, "probe")
	if err != nil {
		return err
	}
	return classify("probe", port.Close())
}

// Send writes the payload and drains the output buffer. Serial ports have
// no write deadline, so a timed out write is aborted by closing the port.
func (s *Serial) Send(ctx context.Context, payload []byte) error {
	port, err := s.connect(ctx, "send")
	if err != nil {
		return err
	}

	closed := false
	abort := func() {
		closed = true
		port.Close()
	}
	err = runWithContext(ctx, "send", func() error {
		if _, err := port.Write(payload); err != nil {
			return err
		}
		return port.Drain()
	}, abort)
	if !closed {
		port.Close()
	}
	return err
}

func (s *Serial) Close() error { return nil }

func serialError(op string, err error) error {
	var perr interface{ Code() serial.PortErrorCode }
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortBusy:
			return newError(KindBusy, op, err)
		case serial.PortNotFound, serial.InvalidSerialPort, serial.PermissionDenied:
			return newError(KindNotConnected, op, err)
		}
	}
	return newError(KindIO, op, err)
}
