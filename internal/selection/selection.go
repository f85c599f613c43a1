// Package selection wraps the pair-selection collaborator that decides which
// input media go into each clip.
package selection

import (
	"context"
	"errors"
)

// Candidate is one selectable pair of input media supplied with a brief.
type Candidate struct {
	ID     string   `json:"id"`
	Inputs []string `json:"inputs"`
	Prompt string   `json:"prompt,omitempty"`
}

// Selectable reports whether c names at least one input medium.
func (c Candidate) Selectable() bool {
	for _, in := range c.Inputs {
		if in != "" {
			return true
		}
	}
	return false
}

// Pair is a selected candidate, in clip order. It is stored verbatim as the
// sub-job's input_ref.
type Pair struct {
	CandidateID string   `json:"candidate_id"`
	Inputs      []string `json:"inputs"`
	Prompt      string   `json:"prompt,omitempty"`
}

// Selector returns pairs in the order their clips should appear.
type Selector interface {
	Select(ctx context.Context, candidates []Candidate, target *int) ([]Pair, error)
}

// ErrNoPairs is returned when a selector yields nothing usable.
var ErrNoPairs = errors.New("selector returned no pairs")

// Sequential keeps selectable candidates in submission order, truncated to
// the target.
type Sequential struct{}

func (Sequential) Select(ctx context.Context, candidates []Candidate, target *int) ([]Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(candidates)
	if target != nil && *target < n {
		n = max(*target, 0)
	}
	pairs := make([]Pair, 0, n)
	for _, c := range candidates {
		if len(pairs) == n {
			break
		}
		if !c.Selectable() {
			continue
		}
		pairs = append(pairs, Pair{CandidateID: c.ID, Inputs: c.Inputs, Prompt: c.Prompt})
	}
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	return pairs, nil
}
