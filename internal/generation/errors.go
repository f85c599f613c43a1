package generation

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a failure worth retrying: rate limiting, network trouble,
// provider-side hiccups.
type TransientError struct {
	Op          string
	RateLimited bool
	Err         error
}

func (e *TransientError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("%s: rate limited: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure retrying cannot fix: the provider rejected the
// request or reported the generation as invalid.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: rejected: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// TimeoutError means the provider did not reach a terminal state within the
// poll budget.
type TimeoutError struct {
	RequestID string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider request %s not terminal after %s", e.RequestID, e.Budget)
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a poll budget overrun.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
