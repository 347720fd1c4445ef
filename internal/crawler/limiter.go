package crawler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// PageLimiter spaces page loads on each host by a random delay drawn from
// [MinDelay, MaxDelay], optionally combined with a token bucket.
type PageLimiter struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	rate        RateLimiterSettings
	rateEnabled bool
	now         func() time.Time

	mu       sync.Mutex
	rnd      *rand.Rand
	last     map[string]time.Time
	floors   map[string]time.Duration
	limiters map[string]*rate.Limiter
}

// NewPageLimiter creates a limiter. A zero maxDelay disables the jitter.
func NewPageLimiter(minDelay, maxDelay time.Duration, rateCfg RateLimiterSettings) *PageLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	l := &PageLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		last:     make(map[string]time.Time),
		floors:   make(map[string]time.Duration),
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		l.rateEnabled = true
		l.rate = rateCfg
		l.limiters = make(map[string]*rate.Limiter)
	}
	return l
}

// SetFloor raises the minimum spacing for host, e.g. to a robots.txt Crawl-delay.
func (l *PageLimiter) SetFloor(host string, d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	l.mu.Lock()
	l.floors[strings.ToLower(host)] = d
	l.mu.Unlock()
}

// Wait blocks until the next page load on host is allowed.
func (l *PageLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	var sleep time.Duration
	var limiter *rate.Limiter

	l.mu.Lock()
	if last, ok := l.last[host]; ok {
		delay := l.jitterLocked()
		if floor := l.floors[host]; floor > delay {
			delay = floor
		}
		if rest := last.Add(delay).Sub(l.now()); rest > 0 {
			sleep = rest
		}
	}
	if l.rateEnabled {
		limiter = l.ensureLimiterLocked(host)
	}
	l.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.last[host] = l.now()
	l.mu.Unlock()
	return nil
}

func (l *PageLimiter) jitterLocked() time.Duration {
	span := l.maxDelay - l.minDelay
	if span <= 0 {
		return l.minDelay
	}
	return l.minDelay + time.Duration(l.rnd.Int63n(int64(span)+1))
}

func (l *PageLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := l.limiters[host]
	if ok {
		return limiter
	}
	interval := l.rate.Window / time.Duration(l.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter = rate.NewLimiter(rate.Every(interval), l.rate.Requests)
	l.limiters[host] = limiter
	return limiter
}
