// Package orchestrator contains the typed HTTP client for the flowplane
// control plane, the authority that validates and stores run state.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flowplane/pkg/api"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Config holds client construction parameters.
type Config struct {
	// BaseURL of the control plane, without trailing slash.
	BaseURL string
	// Token is the bearer token attached to every request.
	Token string
	// RequestTimeout bounds a single HTTP attempt (default: 10s).
	RequestTimeout time.Duration
	// MaxRetries is the number of additional attempts after a transient
	// failure before giving up (default: 5).
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff between attempts
	// (default: 500ms).
	RetryBaseDelay time.Duration
	// RequestsPerSecond paces outgoing requests; 0 means unlimited.
	RequestsPerSecond float64
}

// Client is the orchestration client. All methods retry transient
// failures with exponential backoff; retries are safe because every
// transition proposal is keyed on (run id, expected version) server-side.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
}

// New creates a new orchestration client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}

	// Strip trailing slash
	base := cfg.BaseURL
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
	}
}

// ListDueRuns returns up to limit runs that are due for pickup
// (SCHEDULED or PENDING with scheduled_at <= now).
func (c *Client) ListDueRuns(ctx context.Context, limit int) ([]api.Run, error) {
	url := fmt.Sprintf("%s/internal/runs/due?limit=%d", c.baseURL, limit)

	var result api.ListRunsResponse
	if err := c.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// ListCancelling returns runs with a pending cancellation request.
func (c *Client) ListCancelling(ctx context.Context) ([]api.Run, error) {
	url := fmt.Sprintf("%s/internal/runs/cancelling", c.baseURL)

	var result api.ListRunsResponse
	if err := c.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, err
	}
	return result.Runs, nil
}

// ProposeTransition proposes a state transition for the given run. On
// acceptance it returns the run with its new state and version. If the
// control plane rejects the proposal because the expected version is
// stale or the transition is illegal, the returned error is a
// *StaleVersionError carrying the authoritative current run.
func (c *Client) ProposeTransition(ctx context.Context, runID uuid.UUID, req api.ProposeTransitionRequest) (api.Run, error) {
	url := fmt.Sprintf("%s/internal/runs/%s/transition", c.baseURL, runID)

	var result api.ProposeTransitionResponse
	if err := c.do(ctx, http.MethodPost, url, req, &result); err != nil {
		return api.Run{}, err
	}
	return result.Run, nil
}

// GetRun reads a single run by id, used to resynchronize after a
// rejection or a reconnect.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (api.Run, error) {
	url := fmt.Sprintf("%s/internal/runs/%s", c.baseURL, runID)

	var result api.Run
	if err := c.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return api.Run{}, err
	}
	return result, nil
}

// do performs a request with retries. Transient failures (network
// errors, 5xx, 429) back off exponentially; 409 maps to
// *StaleVersionError; other non-2xx statuses map to *APIError.
func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &TransientError{Op: method + " " + url, Err: ctx.Err()}
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &TransientError{Op: method + " " + url, Err: err}
			}
		}

		retry, err := c.attempt(ctx, method, url, reqBody, out)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}

	return &TransientError{Op: method + " " + url, Err: lastErr}
}

// attempt performs one HTTP exchange. The bool result reports whether
// the error is worth retrying.
func (c *Client) attempt(ctx context.Context, method, url string, reqBody []byte, out any) (bool, error) {
	var reader io.Reader
	if reqBody != nil {
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, &TransientError{Op: method + " " + url, Err: ctx.Err()}
		}
		return true, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return false, fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return false, nil

	case resp.StatusCode == http.StatusConflict:
		var rejection api.TransitionRejection
		if err := json.Unmarshal(respBody, &rejection); err != nil {
			return false, fmt.Errorf("failed to parse rejection: %w", err)
		}
		return false, &StaleVersionError{Current: rejection.Run, Detail: rejection.Detail}

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}

	default:
		return false, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
}
