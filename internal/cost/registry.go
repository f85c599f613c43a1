package cost

import (
	"fmt"
	"sort"
	"sync"
)

// PricingKind says how a model bills.
type PricingKind string

const (
	PerSecond     PricingKind = "per_second"
	PerInvocation PricingKind = "per_invocation"
)

// Model describes one generation model: how it is priced and which clip
// durations it accepts.
type Model struct {
	ID                     string
	Pricing                PricingKind
	Rate                   float64 // USD per second of output, or per call
	DefaultDurationSeconds float64
	MaxDurationSeconds     float64
}

// ClampDuration returns the duration actually requested from the provider.
func (m Model) ClampDuration(requested float64) float64 {
	if requested <= 0 {
		requested = m.DefaultDurationSeconds
	}
	if m.MaxDurationSeconds > 0 && requested > m.MaxDurationSeconds {
		return m.MaxDurationSeconds
	}
	return requested
}

// Price returns the cost of one clip of the given duration.
func (m Model) Price(durationSeconds float64) float64 {
	switch m.Pricing {
	case PerSecond:
		if durationSeconds < 0 {
			durationSeconds = 0
		}
		return m.Rate * durationSeconds
	default:
		return m.Rate
	}
}

// Registry maps model identifiers to pricing and request shape.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewRegistry returns a registry preloaded with models.
func NewRegistry(models ...Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		r.models[m.ID] = m
	}
	return r
}

// DefaultRegistry carries the models the orchestrator ships with.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Model{ID: "kling-v2-master", Pricing: PerSecond, Rate: 0.28, DefaultDurationSeconds: 5, MaxDurationSeconds: 10},
		Model{ID: "kling-v2.1-standard", Pricing: PerSecond, Rate: 0.05, DefaultDurationSeconds: 5, MaxDurationSeconds: 10},
		Model{ID: "veo-3-fast", Pricing: PerSecond, Rate: 0.40, DefaultDurationSeconds: 8, MaxDurationSeconds: 8},
		Model{ID: "hailuo-02", Pricing: PerInvocation, Rate: 0.45, DefaultDurationSeconds: 6, MaxDurationSeconds: 10},
		Model{ID: "seedance-1-pro", Pricing: PerInvocation, Rate: 0.30, DefaultDurationSeconds: 5, MaxDurationSeconds: 10},
	)
}

// Register adds or replaces a model.
func (r *Registry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.ID] = m
}

// Lookup resolves a model identifier.
func (r *Registry) Lookup(id string) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return Model{}, fmt.Errorf("unknown model %q", id)
	}
	return m, nil
}

// IDs lists registered model identifiers in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for id := range r.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
