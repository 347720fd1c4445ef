package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrInvalid marks configuration problems that must abort the run at startup.
var ErrInvalid = errors.New("invalid configuration")

// Crawl modes.
const (
	ModeSinglePage    = "single-page"
	ModeListingDetail = "listing-detail"
)

// SupportedImageFormats lists every format the validator can decode.
var SupportedImageFormats = []string{"jpg", "jpeg", "png", "gif", "webp", "bmp"}

// Config captures the full configuration required to run a crawl.
// It is built once at startup and passed by value afterwards.
type Config struct {
	Crawl     CrawlConfig     `yaml:"crawl" toml:"crawl"`
	Download  DownloadConfig  `yaml:"download" toml:"download"`
	Worker    WorkerConfig    `yaml:"worker" toml:"worker"`
	Proxy     ProxyConfig     `yaml:"proxy" toml:"proxy"`
	Rendering RenderingConfig `yaml:"rendering" toml:"rendering"`
	Robots    RobotsConfig    `yaml:"robots" toml:"robots"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Status    StatusConfig    `yaml:"status" toml:"status"`
}

// CrawlConfig controls the frontier, limits, and pacing.
type CrawlConfig struct {
	StartURL    string          `yaml:"start_url" toml:"start_url"`
	Mode        string          `yaml:"mode" toml:"mode"`
	MaxDepth    int             `yaml:"max_depth" toml:"max_depth"`
	MaxPages    int             `yaml:"max_pages" toml:"max_pages"`
	ListPages   int             `yaml:"list_pages" toml:"list_pages"`
	DetailDepth int             `yaml:"detail_depth" toml:"detail_depth"`
	OutputDir   string          `yaml:"output_dir" toml:"output_dir"`
	MinDelay    Duration        `yaml:"min_delay" toml:"min_delay"`
	MaxDelay    Duration        `yaml:"max_delay" toml:"max_delay"`
	Timeout     Duration        `yaml:"timeout" toml:"timeout"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	UserAgents  []string        `yaml:"user_agents" toml:"user_agents"`
	CookieFile  string          `yaml:"cookie_file" toml:"cookie_file"`
	Selectors   SelectorConfig  `yaml:"selectors" toml:"selectors"`
}

// RateLimitConfig applies a token bucket per host on top of the jittered delay.
type RateLimitConfig struct {
	Requests int      `yaml:"requests" toml:"requests"`
	Window   Duration `yaml:"window" toml:"window"`
}

// SelectorConfig holds the site-specific CSS selectors used in listing-detail mode.
type SelectorConfig struct {
	Collection    string `yaml:"collection" toml:"collection"`
	Title         string `yaml:"title" toml:"title"`
	Pager         string `yaml:"pager" toml:"pager"`
	NextPage      string `yaml:"next_page" toml:"next_page"`
	DisabledClass string `yaml:"disabled_class" toml:"disabled_class"`
}

// DownloadConfig controls the asset fetcher.
type DownloadConfig struct {
	MaxRetries          int        `yaml:"max_retries" toml:"max_retries"`
	RetryDelays         []Duration `yaml:"retry_delays" toml:"retry_delays"`
	EscalateOnAttempt   int        `yaml:"escalate_on_attempt" toml:"escalate_on_attempt"`
	MinImageSize        int        `yaml:"min_image_size" toml:"min_image_size"`
	MaxBodyBytes        int64      `yaml:"max_body_bytes" toml:"max_body_bytes"`
	AllowedImageFormats []string   `yaml:"allowed_image_formats" toml:"allowed_image_formats"`
	SkipExisting        bool       `yaml:"skip_existing" toml:"skip_existing"`
	BrowserFallback     bool       `yaml:"browser_fallback" toml:"browser_fallback"`
}

// WorkerConfig controls download concurrency and queue sizing.
type WorkerConfig struct {
	MaxWorkers int `yaml:"max_workers" toml:"max_workers"`
	QueueSize  int `yaml:"queue_size" toml:"queue_size"`
}

// ProxyConfig configures the upstream proxy pool.
type ProxyConfig struct {
	Enabled      bool     `yaml:"use_proxy" toml:"use_proxy"`
	ListFile     string   `yaml:"proxy_list_file" toml:"proxy_list_file"`
	Endpoints    []string `yaml:"endpoints" toml:"endpoints"`
	Quarantine   Duration `yaml:"quarantine" toml:"quarantine"`
	ProbeOnStart bool     `yaml:"probe_on_start" toml:"probe_on_start"`
	ProbeURL     string   `yaml:"probe_url" toml:"probe_url"`
}

// RenderingConfig controls the headless browser.
type RenderingConfig struct {
	Headless           bool     `yaml:"headless" toml:"headless"`
	ScrollPause        Duration `yaml:"scroll_pause" toml:"scroll_pause"`
	WaitForSelector    string   `yaml:"wait_for_selector" toml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions" toml:"concurrent_sessions"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect" toml:"respect"`
	UserAgent string   `yaml:"user_agent" toml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Structured bool   `yaml:"structured" toml:"structured"`
}

// StatusConfig enables the read-only status server when Addr is set.
type StatusConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DefaultUserAgents is the rotation used for page renders and downloads.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Default returns a Config populated with defaults.
func Default() Config {
	return Config{
		Crawl: CrawlConfig{
			StartURL:    "https://8se.me/",
			Mode:        ModeSinglePage,
			MaxDepth:    3,
			MaxPages:    50,
			ListPages:   1,
			DetailDepth: 10,
			OutputDir:   "output",
			MinDelay:    DurationFrom(1 * time.Second),
			MaxDelay:    DurationFrom(3 * time.Second),
			Timeout:     DurationFrom(30 * time.Second),
			UserAgents:  append([]string(nil), DefaultUserAgents...),
			CookieFile:  "cookies.json",
			Selectors: SelectorConfig{
				Collection:    "a[href*='/photo/id-']",
				Title:         "h1",
				Pager:         ".pager, .pagination, .pages",
				NextPage:      "a.next, a[rel='next'], li.next > a",
				DisabledClass: "disabled",
			},
		},
		Download: DownloadConfig{
			MaxRetries: 5,
			RetryDelays: []Duration{
				DurationFrom(2 * time.Second),
				DurationFrom(3 * time.Second),
				DurationFrom(5 * time.Second),
				DurationFrom(8 * time.Second),
				DurationFrom(10 * time.Second),
			},
			EscalateOnAttempt:   3,
			MinImageSize:        10240,
			MaxBodyBytes:        50 * 1024 * 1024,
			AllowedImageFormats: append([]string(nil), SupportedImageFormats...),
			SkipExisting:        true,
		},
		Worker: WorkerConfig{
			MaxWorkers: 5,
			QueueSize:  256,
		},
		Proxy: ProxyConfig{
			ListFile:   "proxies.txt",
			Quarantine: DurationFrom(300 * time.Second),
			ProbeURL:   "https://www.google.com",
		},
		Rendering: RenderingConfig{
			Headless:           true,
			ScrollPause:        DurationFrom(2 * time.Second),
			ConcurrentSessions: 1,
		},
		Robots: RobotsConfig{
			Respect:   true,
			UserAgent: "*",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the settings every component relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawl.StartURL) == "" {
		return fmt.Errorf("%w: crawl.start_url must be set", ErrInvalid)
	}
	start, err := url.Parse(c.Crawl.StartURL)
	if err != nil {
		return fmt.Errorf("%w: crawl.start_url: %v", ErrInvalid, err)
	}
	if start.Scheme != "http" && start.Scheme != "https" {
		return fmt.Errorf("%w: crawl.start_url must be http(s) (got %q)", ErrInvalid, c.Crawl.StartURL)
	}
	if start.Host == "" {
		return fmt.Errorf("%w: crawl.start_url %q missing host", ErrInvalid, c.Crawl.StartURL)
	}
	switch c.Crawl.Mode {
	case ModeSinglePage, ModeListingDetail:
	default:
		return fmt.Errorf("%w: unsupported crawl.mode %q", ErrInvalid, c.Crawl.Mode)
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("%w: crawl.max_depth must be >= 0 (got %d)", ErrInvalid, c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("%w: crawl.max_pages must be > 0 (got %d)", ErrInvalid, c.Crawl.MaxPages)
	}
	if c.Crawl.ListPages <= 0 {
		return fmt.Errorf("%w: crawl.list_pages must be > 0 (got %d)", ErrInvalid, c.Crawl.ListPages)
	}
	if c.Crawl.DetailDepth <= 0 {
		return fmt.Errorf("%w: crawl.detail_depth must be > 0 (got %d)", ErrInvalid, c.Crawl.DetailDepth)
	}
	if strings.TrimSpace(c.Crawl.OutputDir) == "" {
		return fmt.Errorf("%w: crawl.output_dir must be set", ErrInvalid)
	}
	if c.Crawl.MinDelay.Duration < 0 || c.Crawl.MaxDelay.Duration < c.Crawl.MinDelay.Duration {
		return fmt.Errorf("%w: crawl delays must satisfy 0 <= min_delay <= max_delay (got %s, %s)",
			ErrInvalid, c.Crawl.MinDelay, c.Crawl.MaxDelay)
	}
	if c.Crawl.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: crawl.timeout must be > 0", ErrInvalid)
	}
	if c.Crawl.RateLimit.Requests < 0 {
		return fmt.Errorf("%w: crawl.rate_limit.requests must be >= 0 (got %d)", ErrInvalid, c.Crawl.RateLimit.Requests)
	}
	if len(c.Crawl.UserAgents) == 0 {
		return fmt.Errorf("%w: crawl.user_agents must include at least one value", ErrInvalid)
	}
	if c.Download.MaxRetries <= 0 {
		return fmt.Errorf("%w: download.max_retries must be > 0 (got %d)", ErrInvalid, c.Download.MaxRetries)
	}
	if len(c.Download.RetryDelays) == 0 {
		return fmt.Errorf("%w: download.retry_delays must include at least one value", ErrInvalid)
	}
	for i, d := range c.Download.RetryDelays {
		if d.Duration < 0 {
			return fmt.Errorf("%w: download.retry_delays[%d] is negative", ErrInvalid, i)
		}
	}
	if c.Download.MinImageSize < 0 {
		return fmt.Errorf("%w: download.min_image_size must be >= 0 (got %d)", ErrInvalid, c.Download.MinImageSize)
	}
	if c.Download.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: download.max_body_bytes must be > 0 (got %d)", ErrInvalid, c.Download.MaxBodyBytes)
	}
	if len(c.Download.AllowedImageFormats) == 0 {
		return fmt.Errorf("%w: download.allowed_image_formats must include at least one value", ErrInvalid)
	}
	for _, f := range c.Download.AllowedImageFormats {
		if !isSupportedFormat(f) {
			return fmt.Errorf("%w: unsupported image format %q", ErrInvalid, f)
		}
	}
	if c.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("%w: worker.max_workers must be > 0 (got %d)", ErrInvalid, c.Worker.MaxWorkers)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("%w: worker.queue_size must be > 0 (got %d)", ErrInvalid, c.Worker.QueueSize)
	}
	if c.Proxy.Quarantine.Duration < 0 {
		return fmt.Errorf("%w: proxy.quarantine must be >= 0", ErrInvalid)
	}
	if c.Rendering.ConcurrentSessions <= 0 {
		return fmt.Errorf("%w: rendering.concurrent_sessions must be > 0 (got %d)", ErrInvalid, c.Rendering.ConcurrentSessions)
	}
	return nil
}

// StartHost returns the lower-cased host of the start URL.
func (c Config) StartHost() string {
	u, err := url.Parse(c.Crawl.StartURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func (c *Config) normalise() {
	c.Crawl.StartURL = strings.TrimSpace(c.Crawl.StartURL)
	c.Crawl.Mode = strings.ToLower(strings.TrimSpace(c.Crawl.Mode))
	c.Crawl.OutputDir = strings.TrimSpace(c.Crawl.OutputDir)
	c.Crawl.CookieFile = strings.TrimSpace(c.Crawl.CookieFile)
	c.Proxy.ListFile = strings.TrimSpace(c.Proxy.ListFile)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = "*"
	}

	agents := make([]string, 0, len(c.Crawl.UserAgents))
	for _, ua := range c.Crawl.UserAgents {
		if ua = strings.TrimSpace(ua); ua != "" {
			agents = append(agents, ua)
		}
	}
	c.Crawl.UserAgents = agents

	formats := make([]string, 0, len(c.Download.AllowedImageFormats))
	for _, f := range c.Download.AllowedImageFormats {
		formats = append(formats, strings.TrimPrefix(strings.TrimSpace(f), "."))
	}
	c.Download.AllowedImageFormats = dedupeLower(formats)

	endpoints := make([]string, 0, len(c.Proxy.Endpoints))
	for _, ep := range c.Proxy.Endpoints {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	c.Proxy.Endpoints = endpoints
}

func isSupportedFormat(format string) bool {
	for _, f := range SupportedImageFormats {
		if f == format {
			return true
		}
	}
	return false
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether per-host rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
