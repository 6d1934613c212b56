package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/resilience"
)

// APIError is returned when the render service responds with a non-2xx
// status that is not mapped to a sentinel error.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("driver: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets the resilience layer classify this error by status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Remote implements PageDriver over the render service HTTP API. Calls run
// through a shared circuit breaker; each call retries transient failures
// with backoff before the breaker records the outcome.
type Remote struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewRemote creates a render service client from config.
func NewRemote(cfg config.DriverConfig) *Remote {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimitRPS
	if rps == 0 {
		rps = 2.0
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = 4
	}

	cbCfg := resilience.FromCircuitConfig(cfg.CircuitThreshold, cfg.CircuitResetSecs)
	// Session churn and dead pages are normal; only transport-level
	// failures count toward opening the circuit.
	cbCfg.ShouldTrip = resilience.IsTransient

	return &Remote{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.Key,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   resilience.FromRetryConfig(cfg.MaxRetries, 500, 10_000, 2.0, 0.25),
		breaker: resilience.NewCircuitBreaker(cbCfg),
	}
}

// BreakerState reports the render service circuit state.
func (r *Remote) BreakerState() resilience.CircuitState {
	return r.breaker.State()
}

type openRequest struct {
	URL           string   `json:"url"`
	ItemSelectors []string `json:"item_selectors,omitempty"`
}

type openResponse struct {
	SessionID string `json:"session_id"`
}

// Open starts a render session for a listing page. The selectors are sent
// with the session so the service samples fragments with the same ordered
// strategies for its whole lifetime.
func (r *Remote) Open(ctx context.Context, url string, selectors []string) (*Session, error) {
	var resp openResponse
	if err := r.post(ctx, "/v1/session", openRequest{URL: url, ItemSelectors: selectors}, &resp); err != nil {
		return nil, eris.Wrap(err, "driver: open session")
	}
	return &Session{ID: resp.SessionID, URL: url}, nil
}

// Scroll advances the session viewport by one increment.
func (r *Remote) Scroll(ctx context.Context, s *Session) (*ScrollStep, error) {
	var resp ScrollStep
	if err := r.post(ctx, fmt.Sprintf("/v1/session/%s/scroll", s.ID), struct{}{}, &resp); err != nil {
		return nil, eris.Wrapf(err, "driver: scroll session %s", s.ID)
	}
	return &resp, nil
}

// Sample returns the current item fragments in the listing container.
func (r *Remote) Sample(ctx context.Context, s *Session) (*PageSample, error) {
	var resp PageSample
	if err := r.get(ctx, fmt.Sprintf("/v1/session/%s/sample", s.ID), &resp); err != nil {
		return nil, eris.Wrapf(err, "driver: sample session %s", s.ID)
	}
	return &resp, nil
}

// Close releases the session. A session the service already reaped is not
// an error.
func (r *Remote) Close(ctx context.Context, s *Session) error {
	err := r.delete(ctx, fmt.Sprintf("/v1/session/%s", s.ID))
	if eris.Is(err, ErrSessionExpired) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "driver: close session %s", s.ID)
	}
	return nil
}

type fetchRequest struct {
	URL string `json:"url"`
}

// Fetch renders a detail page one-shot, without keeping a session.
func (r *Remote) Fetch(ctx context.Context, url string) (*Page, error) {
	var resp Page
	if err := r.post(ctx, "/v1/fetch", fetchRequest{URL: url}, &resp); err != nil {
		return nil, eris.Wrapf(err, "driver: fetch %s", url)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrPageGone
	}
	return &resp, nil
}

func (r *Remote) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}
	return r.do(ctx, http.MethodPost, path, buf, out)
}

func (r *Remote) get(ctx context.Context, path string, out any) error {
	return r.do(ctx, http.MethodGet, path, nil, out)
}

func (r *Remote) delete(ctx context.Context, path string) error {
	return r.do(ctx, http.MethodDelete, path, nil, nil)
}

func (r *Remote) do(ctx context.Context, method, path string, body []byte, out any) error {
	retryCfg := r.retry
	retryCfg.OnRetry = resilience.RetryLogger("render", method+" "+path)

	return r.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
			return r.once(ctx, method, path, body, out)
		})
	})
}

// once performs a single request attempt. Transient failures surface as
// errors the retry layer recognizes: raw transport errors, or APIError
// values whose status classifies as retriable.
func (r *Remote) once(ctx context.Context, method, path string, body []byte, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limiter wait")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	switch {
	case resp.StatusCode == http.StatusGone:
		return ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
