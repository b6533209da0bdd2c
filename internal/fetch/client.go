// Package fetch is the polite HTTP chokepoint: every outbound request the
// crawler makes flows through Client, which layers robots.txt enforcement,
// global and per-host concurrency caps, per-host pacing, a disk cache with
// conditional revalidation, retries, and the TLS / plain-HTTP fallback
// policies for broken municipal infrastructure.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

// ErrRobotsDisallowed is returned when robots.txt forbids the URL.
var ErrRobotsDisallowed = errors.New("robots.txt disallows url")

// ErrBlockedHost is returned for hosts on the configured blocklist.
var ErrBlockedHost = errors.New("host is blocked by configuration")

const (
	defaultUserAgent   = "BESS-Forensic-Crawler/1.0 (Research/Transparency)"
	defaultTimeout     = 30 * time.Second
	perURLBudget       = 2 * time.Minute
	defaultGlobalLimit = 100
	defaultHostSlots   = 2
)

// Config controls the chokepoint.
type Config struct {
	UserAgent          string
	Timeout            time.Duration
	Retries            int
	GlobalConcurrency  int
	PerHostConcurrency int
	CacheBase          string
	SSLAllowlist       []string
	BlockedHosts       []string
	HostDelays         map[string]time.Duration
	AllowHTTPFallback  bool
}

// Client implements crawler.Fetcher.
type Client struct {
	cfg      Config
	logger   *zap.Logger
	robots   *robotsCache
	limiter  *hostLimiter
	cache    *diskCache
	retry    retryPolicy
	global   *semaphore.Weighted
	slots    sync.Map // host -> chan struct{}
	secure   *colly.Collector
	insecure *colly.Collector
	sslAllow map[string]bool
	blocked  map[string]bool
}

// New builds a Client. The two base collectors (verifying and
// skip-verify transports) are cloned per request so contexts and hooks never
// leak between fetches.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = defaultGlobalLimit
	}
	if cfg.PerHostConcurrency <= 0 {
		cfg.PerHostConcurrency = defaultHostSlots
	}

	sslAllow := hostSet(cfg.SSLAllowlist)
	blocked := hostSet(cfg.BlockedHosts)

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		robots:   newRobotsCache(cfg.UserAgent, cfg.CacheBase, logger),
		limiter:  newHostLimiter(cfg.HostDelays),
		cache:    newDiskCache(cfg.CacheBase, logger),
		retry:    newRetryPolicy(cfg.Retries),
		global:   semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		secure:   newCollector(cfg, newHTTPTransport(false)),
		insecure: newCollector(cfg, newHTTPTransport(true)),
		sslAllow: sslAllow,
		blocked:  blocked,
	}
	return c, nil
}

// Option tweaks a single request.
type Option func(*crawler.FetchRequest)

// ForRIS marks the request as targeting a council information system, which
// enables the plain-HTTP fallback rules.
func ForRIS() Option {
	return func(r *crawler.FetchRequest) { r.RISContext = true }
}

// WithMaxBodyBytes caps the downloaded body size.
func WithMaxBodyBytes(n int64) Option {
	return func(r *crawler.FetchRequest) { r.MaxBodyBytes = n }
}

// Get fetches a URL through the full politeness pipeline.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...Option) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{URL: rawURL}
	for _, opt := range opts {
		opt(&req)
	}
	return c.Fetch(ctx, req)
}

// Head issues a HEAD request, used to probe PDF sizes before download.
func (c *Client) Head(ctx context.Context, rawURL string) (crawler.FetchResponse, error) {
	return c.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Method: http.MethodHead})
}

// Fetch implements crawler.Fetcher.
func (c *Client) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("parse url %q: %w", req.URL, err)
	}
	host := strings.ToLower(u.Hostname())
	if c.blocked[host] {
		return crawler.FetchResponse{}, fmt.Errorf("%q: %w", host, ErrBlockedHost)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, perURLBudget)
		defer cancel()
	}

	if !c.robots.Allowed(ctx, u) {
		c.logger.Info(fmt.Sprintf("ROBOTS_DISALLOW: host=%s url=%s", host, req.URL))
		metrics.ObserveRobotsDisallowed()
		return crawler.FetchResponse{}, fmt.Errorf("%s: %w", req.URL, ErrRobotsDisallowed)
	}
	if delay := c.robots.CrawlDelay(ctx, u); delay > 0 {
		c.limiter.SlowDown(host, delay)
	}

	if err := c.global.Acquire(ctx, 1); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("global concurrency: %w", err)
	}
	defer c.global.Release(1)

	release, err := c.acquireHostSlot(ctx, host)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	defer release()

	if err := c.limiter.Wait(ctx, host); err != nil {
		return crawler.FetchResponse{}, err
	}

	var (
		cachedBody []byte
		meta       cacheMeta
		haveCache  bool
		headers    http.Header
	)
	if req.Method == http.MethodGet {
		cachedBody, meta, haveCache = c.cache.Load(req.URL)
		if haveCache {
			headers = meta.conditionalHeaders()
		}
	}

	start := time.Now()
	resp, err := c.execute(ctx, req, u, host, headers)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	resp.Duration = time.Since(start)
	metrics.ObserveHTTPRequest(host, resp.StatusCode, resp.Duration)

	if resp.StatusCode == http.StatusNotModified && haveCache {
		metrics.ObserveCacheHit("http")
		resp.StatusCode = http.StatusOK
		resp.Body = cachedBody
		resp.FromCache = true
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		if resp.Header.Get("Content-Type") == "" && meta.ContentType != "" {
			resp.Header.Set("Content-Type", meta.ContentType)
		}
		return resp, nil
	}

	if req.Method == http.MethodGet && resp.StatusCode == http.StatusOK && !resp.FromCache {
		if err := c.cache.Store(req.URL, resp.Header, resp.Body, time.Now()); err != nil {
			c.logger.Debug("cache store failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
	return resp, nil
}

// execute runs the attempt loop: retries for transient failures, the
// insecure-TLS retry for allowlisted hosts, and the RIS https-to-http
// downgrade.
func (c *Client) execute(ctx context.Context, req crawler.FetchRequest, u *url.URL, host string, headers http.Header) (crawler.FetchResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res := c.do(ctx, req.Method, req.URL, headers, false, req.MaxBodyBytes)
		if res.err == nil {
			if c.retry.shouldRetry(nil, res.status, attempt) {
				if err := sleepCtx(ctx, c.retry.backoff(attempt)); err != nil {
					return crawler.FetchResponse{}, err
				}
				continue
			}
			return crawler.FetchResponse{
				URL:        req.URL,
				StatusCode: res.status,
				Header:     res.header,
				Body:       res.body,
			}, nil
		}

		if isTLSError(res.err) {
			metrics.ObserveSSLError()
			return c.tlsFallback(ctx, req, u, host, headers, res.err)
		}
		lastErr = res.err
		if !c.retry.shouldRetry(res.err, 0, attempt) {
			break
		}
		if err := sleepCtx(ctx, c.retry.backoff(attempt)); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
}

// tlsFallback handles a TLS handshake failure on the first attempt: an
// insecure retry for allowlisted hosts, else the RIS plain-HTTP downgrade
// when enabled, else the error is terminal.
func (c *Client) tlsFallback(ctx context.Context, req crawler.FetchRequest, u *url.URL, host string, headers http.Header, tlsErr error) (crawler.FetchResponse, error) {
	if c.sslAllow[host] {
		res := c.do(ctx, req.Method, req.URL, headers, true, req.MaxBodyBytes)
		if res.err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("insecure retry %s: %w", req.URL, res.err)
		}
		c.logger.Warn(fmt.Sprintf("SSL_FALLBACK_VERIFY_FALSE: host=%s url=%s", host, req.URL))
		metrics.ObserveSSLFallback()
		return crawler.FetchResponse{
			URL:             req.URL,
			StatusCode:      res.status,
			Header:          res.header,
			Body:            res.body,
			UsedInsecureTLS: true,
		}, nil
	}

	if req.RISContext && c.cfg.AllowHTTPFallback && u.Scheme == "https" {
		httpURL := *u
		httpURL.Scheme = "http"
		res := c.do(ctx, req.Method, httpURL.String(), headers, false, req.MaxBodyBytes)
		if res.err == nil && res.status == http.StatusOK && hasRISMarker(res.body) {
			c.logger.Warn(fmt.Sprintf("RIS_HTTP_FALLBACK_USED: original=%s http_fallback=%s", req.URL, httpURL.String()))
			metrics.ObserveHTTPFallback()
			return crawler.FetchResponse{
				URL:              httpURL.String(),
				StatusCode:       res.status,
				Header:           res.header,
				Body:             res.body,
				UsedHTTPFallback: true,
			}, nil
		}
	}

	return crawler.FetchResponse{}, fmt.Errorf("tls failure %s: %w", req.URL, tlsErr)
}

type attemptResult struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// do runs one HTTP attempt on a per-request collector clone.
func (c *Client) do(ctx context.Context, method, rawURL string, headers http.Header, insecureTLS bool, maxBody int64) attemptResult {
	base := c.secure
	if insecureTLS {
		base = c.insecure
	}
	// Clone isolates the hooks; the transport stays with the base collector.
	collector := base.Clone()
	if maxBody > 0 {
		collector.MaxBodySize = int(maxBody)
	}

	var res attemptResult
	collector.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		if r.Headers != nil {
			res.header = r.Headers.Clone()
		}
		res.body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
			if r.Headers != nil {
				res.header = r.Headers.Clone()
			}
			res.body = append([]byte(nil), r.Body...)
		}
		res.err = err
	})

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(rawURL)
		} else {
			done <- collector.Visit(rawURL)
		}
	}()

	select {
	case <-ctx.Done():
		return attemptResult{err: fmt.Errorf("fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err != nil && res.err == nil {
			res.err = err
		}
	}
	return res
}

func (c *Client) acquireHostSlot(ctx context.Context, host string) (func(), error) {
	v, _ := c.slots.LoadOrStore(host, make(chan struct{}, c.cfg.PerHostConcurrency))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("host slot %s: %w", host, ctx.Err())
	}
}

// risMarkers identify council information system pages; the plain-HTTP
// fallback only accepts bodies carrying at least one of them.
var risMarkers = []string{
	"sitzung", "gremium", "tagesordnung",
	"sessionnet", "ratsinformationssystem", "vorlage",
}

func hasRISMarker(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range risMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isTLSError(err error) bool {
	return crawler.ClassifySourceError(err) == crawler.SourceStatusErrorSSL
}

func hostSet(hosts []string) map[string]bool {
	set := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = true
		}
	}
	return set
}

func newCollector(cfg Config, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = true // robots are enforced before dispatch
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(transport)
	return c
}

func newHTTPTransport(insecureTLS bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecureTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- allowlisted hosts only
	}
	return t
}
