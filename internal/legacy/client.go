package legacy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/gatherline/eventpipe/internal/blockdetect"
	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/resilience"
)

// maxBodyBytes caps how much of a listing page one fetch reads.
const maxBodyBytes = 8 << 20

// FetchError is a non-2xx response from a listing host.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("legacy: HTTP %d from %s", e.StatusCode, e.URL)
}

// HTTPStatus lets the resilience layer classify this error by status code.
func (e *FetchError) HTTPStatus() int { return e.StatusCode }

// PageData is one fetched listing page, body decoded to UTF-8.
type PageData struct {
	URL        string
	StatusCode int
	Body       []byte
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("legacy: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Client fetches listing pages directly. Each host gets its own adaptive
// rate limiter and circuit breaker; requests retry transient failures with
// backoff inside the breaker.
type Client struct {
	http     *http.Client
	cfg      config.LegacyConfig
	retry    resilience.RetryConfig
	breakers *resilience.ServiceBreakers

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewClient creates a listing-page client from config.
func NewClient(cfg config.LegacyConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "eventpipe/1.0"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 4.0
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 8
	}

	cbCfg := resilience.DefaultCircuitBreakerConfig()
	cbCfg.ShouldTrip = resilience.IsTransient

	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg:      cfg,
		retry:    resilience.FromRetryConfig(cfg.MaxRetries, 1000, 30_000, 2.0, 0.25),
		breakers: resilience.NewServiceBreakers(cbCfg),
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// HostStates reports the per-host circuit states for observability.
func (c *Client) HostStates() map[string]resilience.CircuitState {
	return c.breakers.States()
}

// Get fetches one listing page. Non-2xx statuses surface as FetchError;
// pages behind anti-bot interstitials are rejected outright.
func (c *Client) Get(ctx context.Context, rawURL string) (*PageData, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "legacy: parse url %q", rawURL)
	}
	if u.Host == "" {
		return nil, eris.Errorf("legacy: url %q has no host", rawURL)
	}

	retryCfg := c.retry
	retryCfg.OnRetry = resilience.RetryLogger("legacy", u.Host)
	breaker := c.breakers.Get(u.Host)

	return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*PageData, error) {
		return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*PageData, error) {
			return c.once(ctx, rawURL, u.Host)
		})
	})
}

func (c *Client) once(ctx context.Context, rawURL, host string) (*PageData, error) {
	lim := c.limiterFor(host)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.OnRateLimit()
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	// Challenge pages classify as blocked, not as retriable server errors.
	if blocked, kind := blockdetect.Detect(resp.StatusCode, resp.Header, body); blocked {
		return nil, eris.Errorf("legacy: blocked page (%s) at %s", kind, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	lim.OnSuccess()
	return &PageData{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       decodeCharset(resp.Header.Get("Content-Type"), body),
	}, nil
}

func (c *Client) limiterFor(host string) *AdaptiveLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(rate.Limit(c.cfg.RateLimitRPS), c.cfg.RateBurst)
		c.limiters[host] = lim
	}
	return lim
}

// decodeCharset converts body to UTF-8 using the charset named in the
// Content-Type header or a meta tag. Unknown charsets parse as-is.
func decodeCharset(contentType string, body []byte) []byte {
	name := charsetName(contentType, body)
	if name == "" || strings.EqualFold(name, "utf-8") {
		return body
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		zap.L().Debug("legacy: unsupported charset", zap.String("charset", name))
		return body
	}
	decoded, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return body
	}
	return decoded
}

// charsetName pulls the charset from the Content-Type header, falling back
// to a charset= token in the first kilobyte of the document.
func charsetName(contentType string, body []byte) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			return cs
		}
	}

	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	lower := strings.ToLower(string(head))
	idx := strings.Index(lower, "charset=")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimLeft(lower[idx+len("charset="):], `"' `)
	end := strings.IndexFunc(rest, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '-' || r == '_' || r == '.':
			return false
		}
		return true
	})
	if end == 0 {
		return ""
	}
	if end > 0 {
		rest = rest[:end]
	}
	return rest
}
