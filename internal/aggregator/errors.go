package aggregator

import (
	"errors"
	"fmt"
)

// ErrNoSuccesses means no sub-job produced an artifact; nothing is combined.
var ErrNoSuccesses = errors.New("no sub-job succeeded")

// AggregationError is a failure to produce the deliverable from at least one
// successful clip. It is never retried.
type AggregationError struct {
	Stage string // fetch, combine or upload
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregation %s failed: %v", e.Stage, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }
