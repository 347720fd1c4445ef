package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"imgcrawler/internal/proxypool"
	"imgcrawler/pkg/types"
)

// ErrRender wraps every failure to produce a rendered page.
var ErrRender = errors.New("render failed")

// RenderRequest describes one page render.
type RenderRequest struct {
	URL       *url.URL
	Proxy     *proxypool.Endpoint
	UserAgent string
}

// RenderOptions configures the JavaScript rendering pipeline.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	// ScrollPause is how long to wait at the bottom of the page for lazy
	// images; half of it is spent again after scrolling back to the top.
	ScrollPause time.Duration
	Cookies     []types.Cookie
	Logger      *slog.Logger
}

// ChromedpRenderer executes headless Chrome sessions using chromedp.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpRenderer constructs a renderer with bounded concurrency.
func NewChromedpRenderer(opts RenderOptions) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    logger.With("component", "renderer"),
	}
}

// Render navigates to the target URL, scrolls to trigger lazy loading, and
// exports the final DOM outer HTML.
func (r *ChromedpRenderer) Render(parentCtx context.Context, req RenderRequest) (*types.Page, error) {
	if req.URL == nil {
		return nil, fmt.Errorf("%w: request URL is nil", ErrRender)
	}

	logger := r.logger.With("url", req.URL.String())
	if req.Proxy != nil {
		logger = logger.With("proxy", req.Proxy.String())
	}

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	ua := req.UserAgent
	if strings.TrimSpace(ua) == "" {
		ua = r.opts.UserAgent
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(!r.opts.DisableHeadless, ua, req.Proxy, logger)...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	var html string
	var finalURL string

	actions := []chromedp.Action{
		network.Enable(),
		setCookies(r.opts.Cookies),
		chromedp.Navigate(req.URL.String()),
		waitForDocumentReady(logger),
	}
	if sel := strings.TrimSpace(r.opts.WaitForSelector); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	}
	actions = append(actions, scrollForLazyImages(r.opts.ScrollPause)...)
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		if parentCtx.Err() != nil {
			return nil, parentCtx.Err()
		}
		logger.Error("chromedp run failed", "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrRender, req.URL, err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}

	parsedFinal := req.URL
	if finalURL != "" {
		if u, err := url.Parse(finalURL); err == nil {
			parsedFinal = u
		}
	}

	latency := time.Since(start)
	page := &types.Page{
		URL:             req.URL,
		FinalURL:        parsedFinal,
		Body:            []byte(html),
		FetchedAt:       time.Now(),
		Rendered:        true,
		ResponseLatency: latency,
	}
	if req.Proxy != nil {
		page.Proxy = req.Proxy.String()
	}
	logger.Debug("chromedp render complete",
		"latency_ms", latency.Milliseconds(),
		"final_url", parsedFinal.String(),
		"html_bytes", len(html),
	)
	return page, nil
}

func allocatorOptions(headless bool, userAgent string, proxy *proxypool.Endpoint, logger *slog.Logger) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	}
	if ua := strings.TrimSpace(selectUserAgent(userAgent)); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if proxy != nil {
		// Chrome takes no credentials on --proxy-server.
		if proxy.Username != "" && logger != nil {
			logger.Debug("browser proxy credentials ignored", "proxy", proxy.String())
		}
		opts = append(opts, chromedp.ProxyServer(proxy.Scheme+"://"+proxy.Addr()))
	}
	return opts
}

func selectUserAgent(base string) string {
	if strings.TrimSpace(base) != "" {
		return base
	}
	return "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
}

// cookieParams converts configured cookies into CDP commands. Cookies
// without a domain cannot be set before navigation and are dropped.
func cookieParams(cookies []types.Cookie) []*network.SetCookieParams {
	out := make([]*network.SetCookieParams, 0, len(cookies))
	for _, c := range cookies {
		if c.Name == "" || c.Domain == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(path).
			WithSecure(c.Secure)
		if c.Expiry > 0 {
			exp := cdp.TimeSinceEpoch(time.Unix(c.Expiry, 0))
			p = p.WithExpires(&exp)
		}
		out = append(out, p)
	}
	return out
}

func setCookies(cookies []types.Cookie) chromedp.Action {
	params := cookieParams(cookies)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, p := range params {
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

func scrollForLazyImages(pause time.Duration) []chromedp.Action {
	if pause <= 0 {
		return nil
	}
	return []chromedp.Action{
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight);`, nil),
		chromedp.Sleep(pause),
		chromedp.Evaluate(`window.scrollTo(0, 0);`, nil),
		chromedp.Sleep(pause / 2),
	}
}

func waitForDocumentReady(logger *slog.Logger) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				if logger != nil {
					logger.Warn("waitForDocumentReady evaluate failed", "error", err)
				}
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}
