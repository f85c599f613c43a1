// Package gentest provides a scripted in-memory generation provider for
// tests and dry runs.
package gentest

import (
	"context"
	"fmt"
	"sync"

	"adgen-orchestrator/internal/generation"
)

// KeyMetadata is the request metadata entry used to pick a Script.
const KeyMetadata = "sub_job_number"

// Script drives the provider's answers for one key.
type Script struct {
	// SubmitErrs are returned by successive Submit calls before any succeeds.
	SubmitErrs []error
	// PollErrs are returned by the first polls of the key, across requests.
	PollErrs []error
	// Processing is how many "processing" reads precede the outcome.
	Processing int
	// Outcomes is the terminal read per accepted submission; the last one
	// repeats. Empty means success.
	Outcomes []generation.PollResult
	// Hang keeps every request processing forever.
	Hang bool
	// Hold, when set, keeps requests processing until it is closed.
	Hold <-chan struct{}
}

// Provider is a concurrency-safe generation.Provider driven by Scripts keyed
// on Request.Metadata[KeyMetadata].
type Provider struct {
	// Barrier, when > 0, holds every Submit until that many submits are in
	// flight at once.
	Barrier int
	// Artifact, when set, names the artifact a default success returns.
	Artifact func(req generation.Request) string

	mu       sync.Mutex
	scripts  map[string]Script
	submits  map[string]int
	accepted map[string]int
	pollErrs map[string]int
	requests map[string]request
	nextID   int
	arrived  int
	gate     chan struct{}
}

type request struct {
	key      string
	attempt  int
	polls    int
	artifact string
}

func New() *Provider {
	return &Provider{
		scripts:  make(map[string]Script),
		submits:  make(map[string]int),
		accepted: make(map[string]int),
		pollErrs: make(map[string]int),
		requests: make(map[string]request),
		gate:     make(chan struct{}),
	}
}

// Script installs s for key.
func (p *Provider) Script(key string, s Script) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[key] = s
	return p
}

// Submits reports how many Submit calls key received.
func (p *Provider) Submits(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits[key]
}

func (p *Provider) Submit(ctx context.Context, req generation.Request) (string, error) {
	key := req.Metadata[KeyMetadata]
	if err := p.waitBarrier(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.submits[key]
	p.submits[key]++
	s := p.scripts[key]
	if n < len(s.SubmitErrs) {
		return "", s.SubmitErrs[n]
	}
	p.nextID++
	id := fmt.Sprintf("req-%s-%d", key, p.nextID)
	r := request{key: key, attempt: p.accepted[key]}
	if p.Artifact != nil {
		r.artifact = p.Artifact(req)
	}
	p.requests[id] = r
	p.accepted[key]++
	return id, nil
}

func (p *Provider) waitBarrier(ctx context.Context) error {
	if p.Barrier <= 0 {
		return nil
	}
	p.mu.Lock()
	p.arrived++
	if p.arrived == p.Barrier {
		close(p.gate)
	}
	gate := p.gate
	p.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) Poll(_ context.Context, id string) (generation.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requests[id]
	if !ok {
		return generation.PollResult{}, &generation.PermanentError{Op: "poll", Err: fmt.Errorf("unknown request %s", id)}
	}
	s := p.scripts[r.key]
	if n := p.pollErrs[r.key]; n < len(s.PollErrs) {
		p.pollErrs[r.key]++
		return generation.PollResult{}, s.PollErrs[n]
	}
	r.polls++
	p.requests[id] = r
	if s.Hang || r.polls <= s.Processing || held(s.Hold) {
		return generation.PollResult{State: generation.StateProcessing}, nil
	}
	if len(s.Outcomes) == 0 {
		if r.artifact != "" {
			return generation.PollResult{State: generation.StateSucceeded, ArtifactRef: r.artifact}, nil
		}
		return Success(r.key), nil
	}
	idx := r.attempt
	if idx >= len(s.Outcomes) {
		idx = len(s.Outcomes) - 1
	}
	return s.Outcomes[idx], nil
}

func held(hold <-chan struct{}) bool {
	if hold == nil {
		return false
	}
	select {
	case <-hold:
		return false
	default:
		return true
	}
}

// Success is the default terminal read for key.
func Success(key string) generation.PollResult {
	return generation.PollResult{
		State:       generation.StateSucceeded,
		ArtifactRef: "mem://clips/" + key + ".mp4",
	}
}

// Rejected is a permanent provider failure.
func Rejected(reason string) generation.PollResult {
	return generation.PollResult{State: generation.StateFailed, Reason: reason}
}
