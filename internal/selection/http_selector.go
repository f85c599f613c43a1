package selection

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSelector delegates to a remote selection service:
//
//	POST {url} {"candidates": [...], "target_count": n} -> {"pairs": [...]}
type HTTPSelector struct {
	client *resty.Client
	url    string
}

func NewHTTPSelector(url string, timeout time.Duration) *HTTPSelector {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &HTTPSelector{client: client, url: url}
}

type selectRequest struct {
	Candidates  []Candidate `json:"candidates"`
	TargetCount *int        `json:"target_count,omitempty"`
}

type selectResponse struct {
	Pairs []Pair `json:"pairs"`
}

func (s *HTTPSelector) Select(ctx context.Context, candidates []Candidate, target *int) ([]Pair, error) {
	var out selectResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(selectRequest{Candidates: candidates, TargetCount: target}).
		SetResult(&out).
		Post(s.url)
	if err != nil {
		return nil, fmt.Errorf("call selector: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("selector returned status %d", resp.StatusCode())
	}
	if len(out.Pairs) == 0 {
		return nil, ErrNoPairs
	}
	return out.Pairs, nil
}
