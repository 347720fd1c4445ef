package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"imgcrawler/pkg/types"
)

// BrowserOptions configures BrowserTransport.
type BrowserOptions struct {
	Timeout         time.Duration
	UserAgent       string
	DisableHeadless bool
	Cookies         []types.Cookie
	Logger          *slog.Logger
}

// BrowserTransport downloads bytes from inside a real page context, so the
// request carries the browser's own fingerprint, cookies, and referrer.
// It is the last resort when plain HTTP requests are blocked.
type BrowserTransport struct {
	opts      BrowserOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewBrowserTransport builds a transport that runs one browser session at a time.
func NewBrowserTransport(opts BrowserOptions) *BrowserTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserTransport{
		opts:      opts,
		semaphore: make(chan struct{}, 1),
		logger:    logger.With("component", "browser_transport"),
	}
}

const fetchAsBase64JS = `(async () => {
  const resp = await fetch(%s, {credentials: "include", referrer: %s});
  if (!resp.ok) { throw new Error("status " + resp.status); }
  const bytes = new Uint8Array(await resp.arrayBuffer());
  let bin = "";
  for (let i = 0; i < bytes.length; i += 0x8000) {
    bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
  }
  return btoa(bin);
})()`

// FetchViaBrowser opens referer (or the asset's origin) and fetches rawURL
// from that page, returning the raw response bytes.
func (b *BrowserTransport) FetchViaBrowser(parentCtx context.Context, rawURL, referer string) ([]byte, error) {
	landing, err := landingURL(rawURL, referer)
	if err != nil {
		return nil, err
	}
	script, err := fetchScript(rawURL, landing)
	if err != nil {
		return nil, err
	}

	select {
	case b.semaphore <- struct{}{}:
		defer func() { <-b.semaphore }()
	case <-parentCtx.Done():
		return nil, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, b.opts.Timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(!b.opts.DisableHeadless, b.opts.UserAgent, nil, b.logger)...)
	defer allocCancel()
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	var encoded string
	err = chromedp.Run(chromeCtx,
		network.Enable(),
		setCookies(b.opts.Cookies),
		chromedp.Navigate(landing),
		waitForDocumentReady(b.logger),
		chromedp.Evaluate(script, &encoded, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		if parentCtx.Err() != nil {
			return nil, parentCtx.Err()
		}
		return nil, fmt.Errorf("%w: browser fetch %s: %v", ErrRender, rawURL, err)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode browser payload: %w", err)
	}
	b.logger.Debug("browser fetch complete", "url", rawURL, "bytes", len(data))
	return data, nil
}

func landingURL(rawURL, referer string) (string, error) {
	if strings.TrimSpace(referer) != "" {
		return referer, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid asset url %q", rawURL)
	}
	return u.Scheme + "://" + u.Host + "/", nil
}

func fetchScript(rawURL, referrer string) (string, error) {
	target, err := json.Marshal(rawURL)
	if err != nil {
		return "", err
	}
	ref, err := json.Marshal(referrer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(fetchAsBase64JS, target, ref), nil
}
