package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"imgcrawler/internal/fetcher"
	"imgcrawler/internal/proxypool"
	"imgcrawler/internal/validator"
	"imgcrawler/pkg/types"
)

// Transport performs plain HTTP GETs for asset bytes.
type Transport interface {
	Get(ctx context.Context, req fetcher.Request) (*fetcher.Response, error)
}

// BrowserFetcher downloads bytes from inside a browser page.
type BrowserFetcher interface {
	FetchViaBrowser(ctx context.Context, rawURL, referer string) ([]byte, error)
}

// Escalator re-derives asset URLs from the page that shows an image.
type Escalator interface {
	Escalate(ctx context.Context, detailURL string) ([]string, error)
}

// ProxySource hands out upstream proxies and receives feedback about them.
type ProxySource interface {
	Acquire() (proxypool.Endpoint, bool)
	ReportFailure(proxypool.Endpoint)
	ReportSuccess(proxypool.Endpoint)
}

// ContentValidator judges downloaded bytes.
type ContentValidator interface {
	Validate(data []byte) validator.Result
}

// Files is the destination filesystem.
type Files interface {
	Exists(path string) bool
	WriteAtomic(path string, data []byte) error
}

// FailureRecorder keeps unresolved assets per collection.
type FailureRecorder interface {
	RecordFailure(collectionID string, failure types.FailedImage)
}

// StatsRecorder counts asset outcomes.
type StatsRecorder interface {
	IncDownloaded()
	IncFailed()
	IncSkipped()
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Options wires a Fetcher.
type Options struct {
	Transport Transport
	// Fallback is tried once per candidate after the HTTP attempts are spent.
	Fallback          BrowserFetcher
	Validator         ContentValidator
	Pool              ProxySource
	Escalator         Escalator
	Files             Files
	Stats             StatsRecorder
	Failures          FailureRecorder
	Headers           *HeaderBuilder
	MaxAttempts       int
	RetryDelays       []time.Duration
	EscalateOnAttempt int
	SkipExisting      bool
	Logger            *slog.Logger
	Sleep             Sleeper
}

// Request is one logical asset to download.
type Request struct {
	// SourceURL identifies the asset for dedup and failure records. It
	// defaults to the last candidate, which is the URL as found on the page.
	SourceURL    string
	Candidates   types.DownloadCandidate
	Destination  string
	Referer      string
	CollectionID string
	// DetailURL is the page escalation renders to find fresh URLs.
	DetailURL string
}

// Fetcher downloads assets through candidate lists with retries, proxy
// rotation, escalation on 403, and an optional browser fallback.
type Fetcher struct {
	opts    Options
	headers *HeaderBuilder
	logger  *slog.Logger
	sleep   Sleeper

	mu   sync.Mutex
	seen map[string]struct{}
}

// New validates opts and builds a Fetcher.
func New(opts Options) (*Fetcher, error) {
	if opts.Transport == nil {
		return nil, errors.New("downloader: transport is required")
	}
	if opts.Validator == nil {
		return nil, errors.New("downloader: validator is required")
	}
	if opts.Files == nil {
		return nil, errors.New("downloader: files is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	headers := opts.Headers
	if headers == nil {
		headers = NewHeaderBuilder(nil, "", "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Fetcher{
		opts:    opts,
		headers: headers,
		logger:  logger.With("component", "downloader"),
		sleep:   sleep,
		seen:    make(map[string]struct{}),
	}, nil
}

// Fetch runs the full retry cycle for one asset and reports the outcome.
// It never returns an error; failures are carried in the record.
func (f *Fetcher) Fetch(ctx context.Context, req Request) types.AssetRecord {
	candidates := types.DownloadCandidate(nil).Prepend(req.Candidates...)
	source := req.SourceURL
	if source == "" && len(candidates) > 0 {
		source = candidates[len(candidates)-1]
	}
	rec := types.AssetRecord{
		SourceURL:     source,
		LocalFilename: filepath.Base(req.Destination),
	}
	logger := f.logger.With("url", source, "collection", req.CollectionID)

	if len(candidates) == 0 {
		return f.fail(logger, req, rec, ErrNoCandidates)
	}
	if !f.markSeen(source) {
		return f.skip(rec, "already fetched in this run")
	}
	if f.opts.SkipExisting && f.opts.Files.Exists(req.Destination) {
		return f.skip(rec, "file exists")
	}

	var (
		lastErr   error
		forbidden bool
		escalated bool
	)
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := f.delayBefore(attempt)
			logger.Debug("retry backoff", "attempt", attempt, "delay", delay)
			if err := f.sleep(ctx, delay); err != nil {
				return f.cancelled(logger, rec, err)
			}
		}
		rec.Attempts = attempt

		res := f.cycle(ctx, candidates, req.Referer)
		if res.data != nil {
			return f.store(logger, req, rec, res)
		}
		if err := ctx.Err(); err != nil {
			return f.cancelled(logger, rec, err)
		}
		lastErr = res.err
		forbidden = forbidden || res.forbidden
		logger.Debug("attempt cycle failed", "attempt", attempt, "error", res.err)

		if forbidden && !escalated && attempt == f.opts.EscalateOnAttempt {
			escalated = true
			candidates = f.escalate(ctx, logger, req.DetailURL, candidates)
		}
	}

	if f.opts.Fallback != nil {
		rec.Attempts++
		res := f.browserPass(ctx, candidates, req.Referer)
		if res.data != nil {
			return f.store(logger, req, rec, res)
		}
		if err := ctx.Err(); err != nil {
			return f.cancelled(logger, rec, err)
		}
		if res.err != nil {
			lastErr = res.err
		}
	}
	return f.fail(logger, req, rec, lastErr)
}

type cycleResult struct {
	data      []byte
	url       string
	forbidden bool
	err       error
}

// cycle tries every candidate once. It stops early on success, on 429, and
// on transport errors.
func (f *Fetcher) cycle(ctx context.Context, candidates types.DownloadCandidate, referer string) cycleResult {
	var res cycleResult
	for _, u := range candidates {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}
		ep, proxied := f.acquire()
		freq := fetcher.Request{URL: u, Headers: f.headers.Build(referer)}
		if proxied {
			freq.Proxy = &ep
		}

		resp, err := f.opts.Transport.Get(ctx, freq)
		if err != nil {
			if ctx.Err() != nil {
				res.err = ctx.Err()
				return res
			}
			if errors.Is(err, fetcher.ErrBodyTooLarge) {
				res.err = fmt.Errorf("%w: %s: %v", ErrValidation, u, err)
				continue
			}
			f.reportFailure(ep, proxied)
			res.err = fmt.Errorf("%w: %s: %v", ErrTransient, u, err)
			return res
		}

		switch code := resp.StatusCode; {
		case code == http.StatusTooManyRequests:
			f.reportFailure(ep, proxied)
			res.err = &StatusError{URL: u, StatusCode: code}
			return res
		case code == http.StatusForbidden:
			f.reportFailure(ep, proxied)
			res.forbidden = true
			res.err = &StatusError{URL: u, StatusCode: code}
			continue
		case code < 200 || code >= 300:
			res.err = &StatusError{URL: u, StatusCode: code}
			continue
		}
		f.reportSuccess(ep, proxied)

		if !validator.IsImageContentType(resp.ContentType) {
			res.err = fmt.Errorf("%w: %s: content type %q", ErrValidation, u, resp.ContentType)
			continue
		}
		if err := f.validate(u, resp.Body); err != nil {
			res.err = err
			continue
		}
		res.data, res.url = resp.Body, u
		return res
	}
	return res
}

func (f *Fetcher) browserPass(ctx context.Context, candidates types.DownloadCandidate, referer string) cycleResult {
	var res cycleResult
	for _, u := range candidates {
		if err := ctx.Err(); err != nil {
			res.err = err
			return res
		}
		data, err := f.opts.Fallback.FetchViaBrowser(ctx, u, referer)
		if err != nil {
			res.err = err
			continue
		}
		if err := f.validate(u, data); err != nil {
			res.err = err
			continue
		}
		res.data, res.url = data, u
		return res
	}
	return res
}

func (f *Fetcher) validate(u string, data []byte) error {
	v := f.opts.Validator.Validate(data)
	if v.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrValidation, u, v.Reason)
}

func (f *Fetcher) escalate(ctx context.Context, logger *slog.Logger, detailURL string, candidates types.DownloadCandidate) types.DownloadCandidate {
	if f.opts.Escalator == nil || detailURL == "" {
		return candidates
	}
	urls, err := f.opts.Escalator.Escalate(ctx, detailURL)
	if err != nil {
		logger.Warn("escalation failed", "detail_url", detailURL, "error", err)
		return candidates
	}
	logger.Info("escalated after 403", "detail_url", detailURL, "found", len(urls))
	return candidates.Prepend(urls...)
}

func (f *Fetcher) store(logger *slog.Logger, req Request, rec types.AssetRecord, res cycleResult) types.AssetRecord {
	if err := f.opts.Files.WriteAtomic(req.Destination, res.data); err != nil {
		return f.fail(logger, req, rec, fmt.Errorf("write %s: %w", req.Destination, err))
	}
	rec.Status = types.AssetDownloaded
	if f.opts.Stats != nil {
		f.opts.Stats.IncDownloaded()
	}
	logger.Info("image downloaded", "from", res.url, "file", rec.LocalFilename, "bytes", len(res.data), "attempts", rec.Attempts)
	return rec
}

func (f *Fetcher) skip(rec types.AssetRecord, reason string) types.AssetRecord {
	rec.Status = types.AssetSkipped
	rec.Reason = reason
	if f.opts.Stats != nil {
		f.opts.Stats.IncSkipped()
	}
	return rec
}

func (f *Fetcher) fail(logger *slog.Logger, req Request, rec types.AssetRecord, err error) types.AssetRecord {
	if err == nil {
		err = errors.New("all candidates failed")
	}
	rec.Status = types.AssetFailed
	rec.Reason = err.Error()
	if f.opts.Stats != nil {
		f.opts.Stats.IncFailed()
	}
	if f.opts.Failures != nil && req.CollectionID != "" {
		f.opts.Failures.RecordFailure(req.CollectionID, types.FailedImage{
			URL:      rec.SourceURL,
			Filename: rec.LocalFilename,
			Reason:   rec.Reason,
		})
	}
	logger.Warn("image download failed", "attempts", rec.Attempts, "error", err)
	return rec
}

// cancelled is a failure that is neither counted nor recorded; the asset is
// retried on the next run.
func (f *Fetcher) cancelled(logger *slog.Logger, rec types.AssetRecord, err error) types.AssetRecord {
	rec.Status = types.AssetFailed
	rec.Reason = err.Error()
	f.mu.Lock()
	delete(f.seen, rec.SourceURL)
	f.mu.Unlock()
	logger.Debug("image download cancelled", "attempts", rec.Attempts)
	return rec
}

func (f *Fetcher) delayBefore(attempt int) time.Duration {
	delays := f.opts.RetryDelays
	if len(delays) == 0 {
		return 0
	}
	i := attempt - 2
	if i >= len(delays) {
		i = len(delays) - 1
	}
	if i < 0 {
		i = 0
	}
	return delays[i]
}

func (f *Fetcher) markSeen(source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[source]; ok {
		return false
	}
	f.seen[source] = struct{}{}
	return true
}

func (f *Fetcher) acquire() (proxypool.Endpoint, bool) {
	if f.opts.Pool == nil {
		return proxypool.Endpoint{}, false
	}
	return f.opts.Pool.Acquire()
}

func (f *Fetcher) reportFailure(ep proxypool.Endpoint, proxied bool) {
	if proxied {
		f.opts.Pool.ReportFailure(ep)
	}
}

func (f *Fetcher) reportSuccess(ep proxypool.Endpoint, proxied bool) {
	if proxied {
		f.opts.Pool.ReportSuccess(ep)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
