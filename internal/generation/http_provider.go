package generation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPProvider talks to a REST generation service:
//
//	POST {base}/generations        -> {"id": "..."}
//	GET  {base}/generations/{id}   -> {"status": "...", "artifact_url": "...", ...}
type HTTPProvider struct {
	client  *resty.Client
	baseURL string
}

// HTTPProviderConfig holds connection settings for HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPProvider creates a provider client.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetTimeout(timeout)
	return &HTTPProvider{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type pollResponse struct {
	Status          string  `json:"status"`
	ArtifactURL     string  `json:"artifact_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error"`
	Retryable       bool    `json:"retryable"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Submit creates a generation request.
func (p *HTTPProvider) Submit(ctx context.Context, req Request) (string, error) {
	var out submitResponse
	var apiErr errorResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&apiErr).
		Post(p.baseURL + "/generations")
	if err != nil {
		return "", &TransientError{Op: "submit", Err: fmt.Errorf("call provider: %w", err)}
	}
	if err := statusError("submit", resp, apiErr); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Poll reads the state of a generation request.
func (p *HTTPProvider) Poll(ctx context.Context, requestID string) (PollResult, error) {
	var out pollResponse
	var apiErr errorResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", requestID).
		SetResult(&out).
		SetError(&apiErr).
		Get(p.baseURL + "/generations/{id}")
	if err != nil {
		return PollResult{}, &TransientError{Op: "poll", Err: fmt.Errorf("call provider: %w", err)}
	}
	if err := statusError("poll", resp, apiErr); err != nil {
		return PollResult{}, err
	}

	switch strings.ToLower(out.Status) {
	case "succeeded", "completed", "success":
		return PollResult{State: StateSucceeded, ArtifactRef: out.ArtifactURL, DurationSeconds: out.DurationSeconds}, nil
	case "failed", "error", "cancelled":
		return PollResult{State: StateFailed, Reason: out.Error, Retryable: out.Retryable}, nil
	default:
		return PollResult{State: StateProcessing}, nil
	}
}

func statusError(op string, resp *resty.Response, apiErr errorResponse) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	err := fmt.Errorf("HTTP %d: %s", code, msg)
	switch {
	case code == http.StatusTooManyRequests:
		return &TransientError{Op: op, RateLimited: true, Err: err}
	case code >= 500, code == http.StatusRequestTimeout:
		return &TransientError{Op: op, Err: err}
	default:
		return &PermanentError{Op: op, Err: err}
	}
}

var _ Provider = (*HTTPProvider)(nil)
