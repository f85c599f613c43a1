package cost

import (
	"math"
)

// Tracker prices sub-jobs and checks job totals against their estimates.
type Tracker struct {
	registry  *Registry
	threshold float64
}

// NewTracker builds a tracker. threshold is the allowed overrun fraction (0.2 = 20%).
func NewTracker(registry *Registry, threshold float64) *Tracker {
	if threshold < 0 {
		threshold = 0
	}
	return &Tracker{registry: registry, threshold: threshold}
}

// Estimate prices one clip at the requested duration.
func (t *Tracker) Estimate(modelID string, durationSeconds float64) (float64, error) {
	m, err := t.registry.Lookup(modelID)
	if err != nil {
		return 0, err
	}
	return round(m.Price(m.ClampDuration(durationSeconds))), nil
}

// Actual prices one delivered clip. A zero realized duration falls back to
// the requested one.
func (t *Tracker) Actual(modelID string, realizedSeconds, requestedSeconds float64) (float64, error) {
	m, err := t.registry.Lookup(modelID)
	if err != nil {
		return 0, err
	}
	d := realizedSeconds
	if d <= 0 {
		d = m.ClampDuration(requestedSeconds)
	}
	return round(m.Price(d)), nil
}

// Variance is the result of comparing actual spend with the estimate.
type Variance struct {
	Estimated float64
	Actual    float64
	Ratio     float64 // actual/estimated, 0 when nothing was estimated
	Exceeded  bool
}

// Check flags actual spend above estimate × (1 + threshold). It never changes
// control flow; callers only record the flag.
func (t *Tracker) Check(estimated, actual float64) Variance {
	v := Variance{Estimated: estimated, Actual: actual}
	if estimated <= 0 {
		v.Exceeded = actual > 0
		return v
	}
	v.Ratio = actual / estimated
	v.Exceeded = actual > estimated*(1+t.threshold)+1e-9
	return v
}

// Sum adds costs and rounds to cents-of-a-cent precision.
func Sum(costs ...float64) float64 {
	var total float64
	for _, c := range costs {
		total += c
	}
	return round(total)
}

func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
