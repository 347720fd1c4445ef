package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"imgcrawler/internal/config"
)

// Agent answers robots.txt questions for page URLs, caching rules per host.
// Fetch or parse failures allow the URL.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	respect   bool
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent from configuration.
func NewAgent(cfg config.RobotsConfig, client *http.Client, logger *slog.Logger) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL.Duration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = "*"
	}
	return &Agent{
		client:    client,
		userAgent: ua,
		ttl:       ttl,
		respect:   cfg.Respect,
		logger:    logger.With("component", "robots"),
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether target may be crawled. A nil agent allows everything.
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if a == nil || !a.respect {
		return true
	}
	if target == nil || !target.IsAbs() {
		return false
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		a.logger.Debug("robots unavailable, allowing", "host", target.Host, "error", err)
		return true
	}

	group := rules.FindGroup(a.userAgent)
	if group == nil {
		return true
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// CrawlDelay returns the Crawl-delay declared for the agent on target's host, or 0.
func (a *Agent) CrawlDelay(ctx context.Context, target *url.URL) time.Duration {
	if a == nil || !a.respect || target == nil {
		return 0
	}
	rules, err := a.rules(ctx, target)
	if err != nil {
		return 0
	}
	if group := rules.FindGroup(a.userAgent); group != nil {
		return group.CrawlDelay
	}
	return 0
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	a.mu.RUnlock()
	if ok && a.now().Sub(entry.fetched) < a.ttl {
		return entry.rules, nil
	}

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "*" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	// FromResponse maps 4xx to allow-all and 5xx to disallow-all.
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: a.now(), rules: data}
	a.mu.Unlock()
	return data, nil
}
