package generation

import (
	"context"
	"errors"
	"time"

	"adgen-orchestrator/internal/backoff"
)

// Outcome is a finished generation.
type Outcome struct {
	RequestID       string
	ArtifactRef     string
	DurationSeconds float64
	Polls           int
}

// Client drives one provider request from submission to a terminal state.
// It keeps no per-request state, so one Client serves every sub-job
// concurrently.
type Client struct {
	provider      Provider
	pollIntervals backoff.Schedule
	perStep       int
	now           func() time.Time
}

// NewClient builds a client. pollIntervals escalate, each step used perStep
// times before moving on (e.g. 2s → 5s → 10s).
func NewClient(p Provider, pollIntervals backoff.Schedule, perStep int) *Client {
	if len(pollIntervals) == 0 {
		pollIntervals = backoff.Schedule{2 * time.Second, 5 * time.Second, 10 * time.Second}
	}
	return &Client{provider: p, pollIntervals: pollIntervals, perStep: perStep, now: time.Now}
}

// Submit sends one request and returns the provider's request id.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	id, err := c.provider.Submit(ctx, req)
	if err != nil {
		return "", classify("submit", err)
	}
	if id == "" {
		return "", &PermanentError{Op: "submit", Err: errors.New("provider returned empty request id")}
	}
	return id, nil
}

// PollUntilTerminal polls requestID on the escalating schedule until the
// provider reports success or failure, the budget elapses, or ctx is done.
func (c *Client) PollUntilTerminal(ctx context.Context, requestID string, budget time.Duration) (Outcome, error) {
	deadline := c.now().Add(budget)
	waits := c.pollIntervals.Escalating(c.perStep)
	polls := 0
	for {
		res, err := c.provider.Poll(ctx, requestID)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			return Outcome{}, classify("poll", err)
		}
		switch res.State {
		case StateSucceeded:
			if res.ArtifactRef == "" {
				return Outcome{}, &PermanentError{Op: "poll", Err: errors.New("succeeded without artifact")}
			}
			return Outcome{
				RequestID:       requestID,
				ArtifactRef:     res.ArtifactRef,
				DurationSeconds: res.DurationSeconds,
				Polls:           polls,
			}, nil
		case StateFailed:
			reason := res.Reason
			if reason == "" {
				reason = "provider reported failure"
			}
			if res.Retryable {
				return Outcome{}, &TransientError{Op: "generate", Err: errors.New(reason)}
			}
			return Outcome{}, &PermanentError{Op: "generate", Err: errors.New(reason)}
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return Outcome{}, &TimeoutError{RequestID: requestID, Budget: budget}
		}
		wait, _ := waits.Next()
		if wait > remaining {
			wait = remaining
		}
		if err := backoff.Sleep(ctx, wait); err != nil {
			return Outcome{}, err
		}
	}
}

// classify leaves typed errors alone and treats anything else as transient:
// an untyped failure is most likely the network.
func classify(op string, err error) error {
	var te *TransientError
	var pe *PermanentError
	var to *TimeoutError
	if errors.As(err, &te) || errors.As(err, &pe) || errors.As(err, &to) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
