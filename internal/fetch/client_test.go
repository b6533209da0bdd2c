package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.CacheBase == "" {
		cfg.CacheBase = t.TempDir()
	}
	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestClientGet(t *testing.T) {
	t.Parallel()

	t.Run("SuccessAndCacheRoundTrip", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				http.NotFound(w, r)
				return
			}
			hits.Add(1)
			if r.Header.Get("If-None-Match") == `"v1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("Etag", `"v1"`)
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>Sitzung des Bauausschusses</html>"))
		}))
		defer srv.Close()

		client := newTestClient(t, Config{Retries: 1})
		resp, err := client.Get(context.Background(), srv.URL+"/page")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.False(t, resp.FromCache)
		assert.Contains(t, string(resp.Body), "Bauausschuss")

		resp2, err := client.Get(context.Background(), srv.URL+"/page")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp2.StatusCode)
		assert.True(t, resp2.FromCache)
		assert.Equal(t, resp.Body, resp2.Body)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("RobotsDisallowed", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer srv.Close()

		client := newTestClient(t, Config{Retries: 1})
		_, err := client.Get(context.Background(), srv.URL+"/private/page")
		require.ErrorIs(t, err, ErrRobotsDisallowed)

		resp, err := client.Get(context.Background(), srv.URL+"/public")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("BlockedHost", func(t *testing.T) {
		t.Parallel()
		client := newTestClient(t, Config{Retries: 1, BlockedHosts: []string{"blocked.example"}})
		_, err := client.Get(context.Background(), "https://blocked.example/page")
		require.ErrorIs(t, err, ErrBlockedHost)
	})

	t.Run("RetriesTransientServerError", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				http.NotFound(w, r)
				return
			}
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte("recovered"))
		}))
		defer srv.Close()

		client := newTestClient(t, Config{Retries: 3})
		resp, err := client.Get(context.Background(), srv.URL+"/flaky")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("NotFoundIsTerminal", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				http.NotFound(w, r)
				return
			}
			hits.Add(1)
			http.NotFound(w, r)
		}))
		defer srv.Close()

		client := newTestClient(t, Config{Retries: 3})
		resp, err := client.Get(context.Background(), srv.URL+"/gone")
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("HeadRequest", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/robots.txt" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Length", "12345")
			w.Header().Set("Content-Type", "application/pdf")
			if r.Method != http.MethodHead {
				t.Errorf("expected HEAD, got %s", r.Method)
			}
		}))
		defer srv.Close()

		client := newTestClient(t, Config{Retries: 1})
		resp, err := client.Head(context.Background(), srv.URL+"/doc.pdf")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	})
}

func TestHasRISMarker(t *testing.T) {
	t.Parallel()

	assert.True(t, hasRISMarker([]byte("<title>Tagesordnung der Sitzung</title>")))
	assert.True(t, hasRISMarker([]byte("powered by SessionNet")))
	assert.False(t, hasRISMarker([]byte("<html>Impressum</html>")))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := newRetryPolicy(3)

	t.Run("StatusCodes", func(t *testing.T) {
		t.Parallel()
		assert.True(t, p.shouldRetry(nil, http.StatusBadGateway, 0))
		assert.True(t, p.shouldRetry(nil, http.StatusTooManyRequests, 0))
		assert.True(t, p.shouldRetry(nil, http.StatusRequestTimeout, 1))
		assert.False(t, p.shouldRetry(nil, http.StatusNotFound, 0))
		assert.False(t, p.shouldRetry(nil, http.StatusOK, 0))
	})

	t.Run("AttemptsExhausted", func(t *testing.T) {
		t.Parallel()
		assert.False(t, p.shouldRetry(nil, http.StatusBadGateway, 2))
	})

	t.Run("ContextErrorsNeverRetried", func(t *testing.T) {
		t.Parallel()
		assert.False(t, p.shouldRetry(context.Canceled, 0, 0))
		assert.False(t, p.shouldRetry(context.DeadlineExceeded, 0, 0))
	})

	t.Run("BackoffBounded", func(t *testing.T) {
		t.Parallel()
		for attempt := 0; attempt < 5; attempt++ {
			d := p.backoff(attempt)
			assert.Positive(t, d)
			assert.LessOrEqual(t, d, 5*time.Second)
		}
	})
}

func TestHostLimiter(t *testing.T) {
	t.Parallel()

	t.Run("SlowDownNeverSpeedsUp", func(t *testing.T) {
		t.Parallel()
		l := newHostLimiter(map[string]time.Duration{"geobasis-bb.de": 10 * time.Second})
		l.SlowDown("geobasis-bb.de", time.Second)
		l.mu.Lock()
		iv := l.currentIntervalLocked("geobasis-bb.de")
		l.mu.Unlock()
		assert.Equal(t, 10*time.Second, iv)
	})

	t.Run("CrawlDelayRaisesInterval", func(t *testing.T) {
		t.Parallel()
		l := newHostLimiter(nil)
		l.SlowDown("example.de", 4*time.Second)
		l.mu.Lock()
		iv := l.currentIntervalLocked("example.de")
		l.mu.Unlock()
		assert.Equal(t, 4*time.Second, iv)
	})

	t.Run("WaitHonorsContext", func(t *testing.T) {
		t.Parallel()
		l := newHostLimiter(nil)
		ctx := context.Background()
		require.NoError(t, l.Wait(ctx, "fast.example"))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, l.Wait(cancelled, "fast.example"))
	})
}

func TestCacheKeyStableAcrossEquivalentURLs(t *testing.T) {
	t.Parallel()

	a := cacheKey("https://Example.DE:443/path?b=2&a=1")
	b := cacheKey("https://example.de/path?a=1&b=2")
	assert.Equal(t, a, b)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRobotsFailOpen(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rc := newRobotsCache("test-agent", t.TempDir(), zap.NewNop())
	assert.True(t, rc.Allowed(context.Background(), mustParse(t, srv.URL+"/anything")))
}
