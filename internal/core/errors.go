package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrRender   = errors.New("render failed")
)

// ValidationError rejects a submission before it enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports a state change the job's current state
// does not allow.
type InvalidTransitionError struct {
	ID     int64
	From   JobState
	To     JobState
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %d: cannot move %s -> %s: %s", e.ID, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("job %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}
