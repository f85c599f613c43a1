package controller

import (
	"errors"
	"fmt"
)

// ErrJobTerminal is returned when cancelling a job that already finished.
var ErrJobTerminal = errors.New("job already in a terminal state")

// ValidationError rejects a brief before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PairSelectionError means the selector failed or returned nothing usable.
type PairSelectionError struct {
	Err error
}

func (e *PairSelectionError) Error() string {
	return fmt.Sprintf("pair selection failed: %v", e.Err)
}

func (e *PairSelectionError) Unwrap() error { return e.Err }
