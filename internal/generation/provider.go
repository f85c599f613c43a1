package generation

import (
	"context"
)

// Request is one clip generation request as sent to the provider.
type Request struct {
	Model           string            `json:"model"`
	Inputs          []string          `json:"inputs"`
	Prompt          string            `json:"prompt,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// State is the provider-reported state of a request.
type State string

const (
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// PollResult is one provider status read.
type PollResult struct {
	State           State
	ArtifactRef     string
	DurationSeconds float64
	Reason          string
	// Retryable marks a provider-side failure that a fresh submission may fix.
	Retryable bool
}

// Provider is the external asynchronous generation service. Implementations
// return *TransientError or *PermanentError so callers can apply retry policy.
type Provider interface {
	Submit(ctx context.Context, req Request) (requestID string, err error)
	Poll(ctx context.Context, requestID string) (PollResult, error)
}
