package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

type ErrorKind string

const (
	KindNotConnected ErrorKind = "not_connected"
	KindBusy         ErrorKind = "busy"
	KindIO           ErrorKind = "io_error"
	KindTimeout      ErrorKind = "timeout"
)

// TransportError is returned by every transport. Compare with errors.Is
// against the Err* values to test the kind.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("printer %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("printer %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

var (
	ErrNotConnected = &TransportError{Kind: KindNotConnected}
	ErrBusy         = &TransportError{Kind: KindBusy}
	ErrIO           = &TransportError{Kind: KindIO}
	ErrTimeout      = &TransportError{Kind: KindTimeout}
)

func newError(kind ErrorKind, op string, err error) *TransportError {
	return &TransportError{Kind: kind, Op: op, Err: err}
}

// classify maps low level errors onto a transport error kind. Errors that
// already are transport errors pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(KindTimeout, op, err)
	}
	return newError(KindIO, op, err)
}
