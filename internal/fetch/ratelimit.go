package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netzspeicher/bess-crawler/internal/metrics"
)

// hostLimiter hands out one token bucket per host. Default pacing is one
// request per second with burst 1; config overrides and robots crawl-delays
// can only slow a host down, never speed it up.
type hostLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	intervals map[string]time.Duration
	overrides map[string]time.Duration
}

const defaultHostInterval = time.Second

func newHostLimiter(overrides map[string]time.Duration) *hostLimiter {
	normalized := make(map[string]time.Duration, len(overrides))
	for host, d := range overrides {
		normalized[strings.ToLower(host)] = d
	}
	return &hostLimiter{
		limiters:  make(map[string]*rate.Limiter),
		intervals: make(map[string]time.Duration),
		overrides: normalized,
	}
}

// SlowDown raises the minimum interval for a host, typically from a robots
// crawl-delay. Intervals never shrink.
func (l *hostLimiter) SlowDown(host string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	host = strings.ToLower(host)
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval <= l.currentIntervalLocked(host) {
		return
	}
	l.intervals[host] = interval
	if lim, ok := l.limiters[host]; ok {
		lim.SetLimit(rate.Every(interval))
	}
}

func (l *hostLimiter) currentIntervalLocked(host string) time.Duration {
	if iv, ok := l.intervals[host]; ok {
		return iv
	}
	iv := defaultHostInterval
	if ov, ok := l.overrides[host]; ok && ov > iv {
		iv = ov
	}
	return iv
}

// Wait blocks until the host's bucket yields a token.
func (l *hostLimiter) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		iv := l.currentIntervalLocked(host)
		l.intervals[host] = iv
		lim = rate.NewLimiter(rate.Every(iv), 1)
		l.limiters[host] = lim
	}
	l.mu.Unlock()

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
