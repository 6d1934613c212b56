package legacy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/resilience"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.LegacyConfig{
		TimeoutSecs:  5,
		MaxRetries:   1,
		UserAgent:    "eventpipe-test/1.0",
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})
	return c, srv
}

func TestGet(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "eventpipe-test/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("<html><body>City Events</body></html>"))
	})

	page, err := c.Get(context.Background(), srv.URL+"/whats-on")
	require.NoError(t, err)
	assert.Equal(t, 200, page.StatusCode)
	assert.Equal(t, srv.URL+"/whats-on", page.URL)
	assert.Contains(t, string(page.Body), "City Events")
}

func TestGet_RetryThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("<html><body>recovered</body></html>"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.LegacyConfig{
		TimeoutSecs:  5,
		MaxRetries:   3,
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})

	page, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(page.Body), "recovered")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestGet_NotFound_NoRetry(t *testing.T) {
	var attempts atomic.Int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), srv.URL+"/gone")
	require.Error(t, err)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 404, fetchErr.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGet_RateLimited_AdaptsDown(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(config.LegacyConfig{
		TimeoutSecs:  5,
		MaxRetries:   3,
		RateLimitRPS: 1000,
		RateBurst:    1000,
	})

	_, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	// Halved on the 429, then raised 20% on the success.
	assert.InDelta(t, 600, float64(c.limiterFor(u.Host).Limit()), 0.01)
}

func TestGet_BlockedPage_NoRetry(t *testing.T) {
	var attempts atomic.Int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("cf-ray", "8a1b2c3d4e5f")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("<html><body>Checking your browser before accessing</body></html>"))
	})

	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked page (cloudflare)")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGet_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var attempts atomic.Int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Get(context.Background(), srv.URL)
		require.Error(t, err)
	}
	assert.Equal(t, int32(5), attempts.Load())

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitOpen, c.HostStates()[u.Host])

	// Open circuit rejects without touching the host.
	_, err = c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, eris.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, int32(5), attempts.Load())
}

func TestGet_DecodesCharsetFromHeader(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		w.Write([]byte("<html><body>Caf\xe9 Concert</body></html>"))
	})

	page, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(page.Body), "Café Concert")
}

func TestGet_DecodesCharsetFromMetaTag(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><meta charset="windows-1252"></head><body>Caf` + "\xe9" + `</body></html>`))
	})

	page, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(page.Body), "Café")
}

func TestGet_InvalidURL(t *testing.T) {
	c := NewClient(config.LegacyConfig{})

	_, err := c.Get(context.Background(), "://nope")
	require.Error(t, err)

	_, err = c.Get(context.Background(), "mailto:events@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no host")
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	t.Parallel()
	lim := NewAdaptiveLimiter(rate.Limit(10), 5)

	for i := 0; i < 10; i++ {
		lim.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), lim.Limit())

	for i := 0; i < 10; i++ {
		lim.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), lim.Limit())
}

func TestCharsetName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"from header", "text/html; charset=ISO-8859-1", "", "ISO-8859-1"},
		{"from meta charset", "text/html", `<meta charset="shift_jis">`, "shift_jis"},
		{"from meta http-equiv", "text/html", `<meta content="text/html; charset=gb2312">`, "gb2312"},
		{"none", "text/html", "<html></html>", ""},
		{"header wins", "text/html; charset=utf-8", `<meta charset="latin1">`, "utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := charsetName(tt.contentType, []byte(tt.body))
			assert.Equal(t, tt.want, got)
		})
	}
}
