package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

// robotsCache answers robots.txt questions per host, fetching each host's
// file at most once per process. Every failure mode is fail-open: a crawler
// that stalls on a broken robots.txt helps nobody.
type robotsCache struct {
	client    *http.Client
	userAgent string
	cacheDir  string
	logger    *zap.Logger
	groups    sync.Map // host -> *robotstxt.Group (nil entry = allow all)
	delays    sync.Map // host -> time.Duration
}

func newRobotsCache(userAgent, cacheDir string, logger *zap.Logger) *robotsCache {
	return &robotsCache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		cacheDir:  cacheDir,
		logger:    logger,
	}
}

// Allowed reports whether the crawler may fetch the URL.
func (r *robotsCache) Allowed(ctx context.Context, u *url.URL) bool {
	group := r.group(ctx, u)
	if group == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path)
}

// CrawlDelay returns the robots-declared delay for the host, zero when none.
func (r *robotsCache) CrawlDelay(ctx context.Context, u *url.URL) time.Duration {
	r.group(ctx, u)
	if d, ok := r.delays.Load(hostKey(u)); ok {
		return d.(time.Duration)
	}
	return 0
}

func (r *robotsCache) group(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := hostKey(u)
	if cached, ok := r.groups.Load(key); ok {
		group, _ := cached.(*robotstxt.Group)
		if group != nil {
			metrics.ObserveCacheHit("robots")
		}
		return group
	}

	data, err := r.load(ctx, u)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", u.Host), zap.Error(err))
		r.groups.Store(key, (*robotstxt.Group)(nil))
		return nil
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		r.groups.Store(key, (*robotstxt.Group)(nil))
		return nil
	}
	if group.CrawlDelay > 0 {
		r.delays.Store(key, group.CrawlDelay)
	}
	r.groups.Store(key, group)
	return group
}

func (r *robotsCache) load(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}

	status, body, err := r.fetchBody(ctx, robotsURL.String())
	if err != nil {
		// A network failure parses as allow-all so the decision is cached.
		return robotstxt.FromStatusAndBytes(http.StatusOK, nil)
	}
	if status == http.StatusOK && r.cacheDir != "" {
		r.persist(u, body)
	}
	data, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (r *robotsCache) fetchBody(ctx context.Context, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (r *robotsCache) persist(u *url.URL, body []byte) {
	dir := filepath.Join(r.cacheDir, "robots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.logger.Debug("robots cache dir", zap.Error(err))
		return
	}
	name := strings.ReplaceAll(hostKey(u), ":", "_") + ".txt"
	if err := os.WriteFile(filepath.Join(dir, name), body, 0o644); err != nil {
		r.logger.Debug("robots cache write", zap.Error(err))
	}
}

func hostKey(u *url.URL) string {
	return strings.ToLower(u.Host)
}
