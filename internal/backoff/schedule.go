// Package backoff turns wait policies into plain values: an ordered list of
// durations walked by an iterator.
package backoff

import (
	"context"
	"time"
)

// Schedule is an ordered list of wait durations.
type Schedule []time.Duration

// Iterator yields waits from a schedule. It is not safe for concurrent use;
// every sub-job takes its own.
type Iterator struct {
	steps   []time.Duration
	perStep int
	bounded bool
	limit   int
	served  int
}

// Retries returns an iterator yielding exactly n waits. Waits past the end of
// the schedule repeat its last step. An empty schedule yields zero waits.
func (s Schedule) Retries(n int) *Iterator {
	if len(s) == 0 || n < 0 {
		n = 0
	}
	return &Iterator{steps: s, perStep: 1, bounded: true, limit: n}
}

// Escalating returns an unbounded iterator that serves each step perStep
// times before moving to the next, then holds the last step forever.
func (s Schedule) Escalating(perStep int) *Iterator {
	if perStep < 1 {
		perStep = 1
	}
	return &Iterator{steps: s, perStep: perStep}
}

// Next returns the next wait, or false once the iterator is exhausted.
func (it *Iterator) Next() (time.Duration, bool) {
	if len(it.steps) == 0 {
		return 0, false
	}
	if it.bounded && it.served >= it.limit {
		return 0, false
	}
	idx := it.served / it.perStep
	if idx >= len(it.steps) {
		idx = len(it.steps) - 1
	}
	it.served++
	return it.steps[idx], true
}

// Served reports how many waits have been handed out.
func (it *Iterator) Served() int {
	return it.served
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
