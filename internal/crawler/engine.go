package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"imgcrawler/internal/config"
	"imgcrawler/internal/downloader"
	"imgcrawler/internal/extractor"
	"imgcrawler/internal/fetcher"
	"imgcrawler/internal/proxypool"
	"imgcrawler/internal/storage"
	"imgcrawler/pkg/types"
)

// ErrBlockedByRobots is returned for pages robots.txt disallows.
var ErrBlockedByRobots = errors.New("blocked by robots.txt")

// Renderer produces the final DOM of a page.
type Renderer interface {
	Render(ctx context.Context, req fetcher.RenderRequest) (*types.Page, error)
}

// AssetFetcher downloads one image through its candidate list.
type AssetFetcher interface {
	Fetch(ctx context.Context, req downloader.Request) types.AssetRecord
}

// MetadataStore persists per-collection resume records.
type MetadataStore interface {
	Load(dir string) (*types.CollectionMetadata, error)
	Update(dir, id, sourceURL string, opts storage.UpdateOptions) (*types.CollectionMetadata, error)
}

// RobotsChecker answers robots.txt questions.
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL) bool
	CrawlDelay(ctx context.Context, target *url.URL) time.Duration
}

// SummaryWriter stores the run summary.
type SummaryWriter interface {
	Write(summary *types.RunSummary) (string, string, error)
}

// Deps are the collaborators of an Engine. Renderer, Fetcher, Metadata and
// Files are required; the rest may be nil.
type Deps struct {
	Renderer  Renderer
	Extractor *extractor.HTMLExtractor
	Fetcher   AssetFetcher
	Metadata  MetadataStore
	Files     *storage.Files
	Robots    RobotsChecker
	Pool      *proxypool.Pool
	Summary   SummaryWriter
	Stats     *Stats
	Limiter   *PageLimiter
	Logger    *slog.Logger
	Now       func() time.Time
	// Closers run once when the engine shuts down.
	Closers []func() error
}

// Engine drives a crawl in single-page or listing-detail mode and produces
// the run summary.
type Engine struct {
	cfg       config.Config
	renderer  Renderer
	extractor *extractor.HTMLExtractor
	fetcher   AssetFetcher
	metadata  MetadataStore
	files     *storage.Files
	robots    RobotsChecker
	proxies   *proxypool.Pool
	summary   SummaryWriter
	stats     *Stats
	limiter   *PageLimiter
	agents    *agentRotation
	logger    *slog.Logger
	now       func() time.Time

	pool *WorkerPool

	mu          sync.Mutex
	collections []*collectionState
	floors      map[string]struct{}

	closers   []func() error
	closeOnce sync.Once
}

type collectionState struct {
	summary types.CollectionSummary
	started time.Time
}

// NewEngine builds an engine from a validated configuration.
func NewEngine(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Renderer == nil || deps.Fetcher == nil || deps.Metadata == nil || deps.Files == nil {
		return nil, errors.New("engine requires renderer, fetcher, metadata and files")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	x := deps.Extractor
	if x == nil {
		var err error
		x, err = extractor.New(cfg.Crawl.StartURL, cfg.Download.AllowedImageFormats, cfg.Crawl.Selectors)
		if err != nil {
			return nil, err
		}
	}
	stats := deps.Stats
	if stats == nil {
		stats = &Stats{}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewPageLimiter(cfg.Crawl.MinDelay.Duration, cfg.Crawl.MaxDelay.Duration, RateLimiterSettings{
			Requests: cfg.Crawl.RateLimit.Requests,
			Window:   cfg.Crawl.RateLimit.Window.Duration,
		})
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:       cfg,
		renderer:  deps.Renderer,
		extractor: x,
		fetcher:   deps.Fetcher,
		metadata:  deps.Metadata,
		files:     deps.Files,
		robots:    deps.Robots,
		proxies:   deps.Pool,
		summary:   deps.Summary,
		stats:     stats,
		limiter:   limiter,
		agents:    newAgentRotation(cfg.Crawl.UserAgents),
		logger:    logger.With("component", "engine"),
		now:       now,
		floors:    make(map[string]struct{}),
		closers:   deps.Closers,
	}, nil
}

// Stats exposes the live counters.
func (e *Engine) Stats() types.StatsSnapshot {
	return e.stats.Snapshot()
}

// Collections returns a copy of every collection's current summary.
func (e *Engine) Collections() []types.CollectionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.CollectionSummary, len(e.collections))
	for i, c := range e.collections {
		out[i] = c.summary
	}
	return out
}

// ProxyStats reports the proxy pool state.
func (e *Engine) ProxyStats() proxypool.Stats {
	return e.proxies.Stats()
}

// Run executes the crawl until it completes or ctx is cancelled. Cancellation
// is not an error: the summary is still written with Interrupted set.
func (e *Engine) Run(ctx context.Context) (*types.RunSummary, error) {
	defer e.Close()

	if err := e.files.MkdirAll(e.cfg.Crawl.OutputDir); err != nil {
		return nil, err
	}
	pool, err := NewWorkerPool(ctx, e.cfg.Worker.MaxWorkers, e.cfg.Worker.QueueSize)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	started := e.now()
	e.logger.Info("crawl started",
		"mode", e.cfg.Crawl.Mode,
		"start_url", e.cfg.Crawl.StartURL,
		"workers", e.cfg.Worker.MaxWorkers,
		"proxies", e.proxies.Stats().Total,
	)

	switch e.cfg.Crawl.Mode {
	case config.ModeListingDetail:
		e.runListingDetail(ctx)
	default:
		err = e.runSinglePage(ctx)
	}
	pool.Close()
	if err != nil {
		return nil, err
	}

	interrupted := ctx.Err() != nil
	if interrupted {
		e.logger.Warn("crawl interrupted, writing summary")
	}
	summary := e.buildSummary(started, interrupted)
	if e.summary != nil {
		jsonPath, textPath, werr := e.summary.Write(summary)
		if werr != nil {
			e.logger.Error("write summary failed", "error", werr)
		} else {
			e.logger.Info("summary written", "json", jsonPath, "text", textPath)
		}
	}
	e.logger.Info("crawl finished",
		"pages", summary.Stats.PagesCrawled,
		"downloaded", summary.Stats.ImagesDownloaded,
		"failed", summary.Stats.ImagesFailed,
		"skipped", summary.Stats.ImagesSkipped,
		"duration", time.Duration(summary.DurationSeconds*float64(time.Second)).Round(time.Millisecond),
	)
	return summary, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	})
	return err
}

func (e *Engine) runSinglePage(ctx context.Context) error {
	frontier, err := NewFrontier(FrontierOptions{
		StartURL: e.cfg.Crawl.StartURL,
		MaxDepth: e.cfg.Crawl.MaxDepth,
		MaxPages: e.cfg.Crawl.MaxPages,
	})
	if err != nil {
		return err
	}
	frontier.Push(e.cfg.Crawl.StartURL, 0)

	for ctx.Err() == nil {
		entry, ok := frontier.Pop()
		if !ok {
			break
		}
		e.crawlPage(ctx, frontier, entry)
	}
	return nil
}

func (e *Engine) crawlPage(ctx context.Context, frontier *Frontier, entry types.FrontierEntry) {
	logger := e.logger.With("url", entry.URL, "depth", entry.Depth)
	page, doc, err := e.loadPage(ctx, entry.URL)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("page skipped", "error", err)
		}
		return
	}
	e.stats.IncPages()

	images := e.extractor.Images(doc)
	e.stats.AddImagesFound(len(images))
	pageURL := page.Base().String()
	logger.Info("page crawled", "images", len(images))

	if len(images) > 0 {
		id := storage.PageName(entry.URL)
		state := e.trackCollection(id, e.extractor.Title(doc), entry.URL)
		refs := make([]extractor.ImageRef, len(images))
		for i, img := range images {
			refs[i] = extractor.ImageRef{URL: img}
		}
		e.downloadImages(ctx, state, refs, pageURL, storage.UpdateOptions{})
		e.finishCollection(state, finishOptions{pages: 1, complete: true, interrupted: ctx.Err() != nil})
	}

	for _, link := range e.extractor.Links(doc) {
		frontier.Push(link, entry.Depth+1)
	}
}

func (e *Engine) runListingDetail(ctx context.Context) {
	seen := make(map[string]struct{})
	for n := 1; n <= e.cfg.Crawl.ListPages && ctx.Err() == nil; n++ {
		listURL := ListingPageURL(e.cfg.Crawl.StartURL, n)
		logger := e.logger.With("list_page", n, "url", listURL)

		_, doc, err := e.loadPage(ctx, listURL)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("listing page skipped", "error", err)
			}
			continue
		}
		e.stats.IncPages()

		links := e.extractor.Collections(doc)
		var fresh []extractor.CollectionLink
		for _, l := range links {
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			fresh = append(fresh, l)
		}
		e.stats.AddCollectionsFound(len(fresh))
		logger.Info("listing page crawled", "collections", len(fresh))
		if len(links) == 0 && n > 1 {
			break
		}

		for _, link := range fresh {
			if ctx.Err() != nil {
				break
			}
			e.crawlCollection(ctx, link)
		}
	}
}

func (e *Engine) crawlCollection(ctx context.Context, link extractor.CollectionLink) {
	dir := filepath.Join(e.cfg.Crawl.OutputDir, link.ID)
	logger := e.logger.With("collection", link.ID)
	state := e.trackCollection(link.ID, link.Title, link.URL)

	existing, err := e.metadata.Load(dir)
	if err != nil {
		logger.Warn("metadata unreadable, starting fresh", "error", err)
		existing = nil
	}
	title := link.Title
	totalPages := 0
	if existing != nil {
		if existing.Title != "" {
			title = existing.Title
		}
		totalPages = existing.TotalPages
		if e.cfg.Download.SkipExisting && existing.Complete && existing.FailedCount == 0 && existing.DownloadedCount > 0 {
			logger.Info("collection already complete, skipping", "files", existing.DownloadedCount)
			e.setCollection(state, func(s *types.CollectionSummary) {
				s.Status = types.CollectionSkipped
				s.Title = title
				s.TotalPages = totalPages
				s.FilesOnDisk = existing.DownloadedCount
				s.DurationSeconds = e.now().Sub(state.started).Seconds()
			})
			return
		}
		logger.Info("resuming collection", "files", existing.DownloadedCount, "failed", existing.FailedCount)
	}

	opts := finishOptions{title: &title}
	for n := 1; n <= e.cfg.Crawl.DetailDepth; n++ {
		if ctx.Err() != nil {
			break
		}
		pageURL := DetailPageURL(link.URL, n)
		page, doc, err := e.loadPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if n == 1 {
				logger.Error("collection failed", "url", pageURL, "error", err)
				opts.err = err
			} else {
				logger.Warn("detail page failed, stopping collection", "page", n, "error", err)
				opts.partial = true
			}
			break
		}
		e.stats.IncPages()
		opts.pages++

		if n == 1 {
			if t := e.extractor.Title(doc); t != "" && (existing == nil || existing.Title == "") {
				title = t
			}
		}
		if tp := e.extractor.TotalPages(doc); tp > totalPages {
			totalPages = tp
		}

		refs := e.extractor.ImageRefs(doc)
		e.stats.AddImagesFound(len(refs))
		logger.Info("detail page crawled", "page", n, "images", len(refs))
		progressTitle, progressPages := title, totalPages
		e.downloadImages(ctx, state, refs, page.Base().String(), storage.UpdateOptions{
			Title:      &progressTitle,
			TotalPages: &progressPages,
		})

		if !e.extractor.HasNextPage(doc, n) {
			opts.complete = true
			break
		}
	}
	if opts.complete && totalPages < opts.pages {
		totalPages = opts.pages
	}
	opts.totalPages = &totalPages
	opts.interrupted = ctx.Err() != nil
	e.finishCollection(state, opts)
}

// downloadImages fans one page's images out over the worker pool and waits.
// The collection's metadata is rewritten after every attempt that downloads
// or fails an image, with progress carrying the fields known so far.
func (e *Engine) downloadImages(ctx context.Context, state *collectionState, refs []extractor.ImageRef, pageURL string, progress storage.UpdateOptions) {
	if len(refs) == 0 {
		return
	}
	id := state.summary.ID
	dir := filepath.Join(e.cfg.Crawl.OutputDir, id)
	records := make([]types.AssetRecord, len(refs))
	jobs := make([]Job, len(refs))
	for i, ref := range refs {
		detail := ref.ShowURL
		if detail == "" {
			detail = pageURL
		}
		req := downloader.Request{
			SourceURL:    ref.URL,
			Candidates:   downloader.ExpandCandidates(ref.URL),
			Destination:  filepath.Join(dir, storage.FileNameForURL(ref.URL)),
			Referer:      pageURL,
			CollectionID: id,
			DetailURL:    detail,
		}
		jobs[i] = func(jobCtx context.Context) {
			records[i] = e.fetcher.Fetch(jobCtx, req)
			if records[i].Status != types.AssetSkipped {
				e.checkpoint(state, progress)
			}
		}
	}
	if err := e.pool.RunBatch(ctx, jobs); err != nil && ctx.Err() == nil {
		e.logger.Warn("download batch stopped early", "collection", id, "error", err)
	}

	var downloaded, skipped, failed int
	for _, r := range records {
		switch r.Status {
		case types.AssetDownloaded:
			downloaded++
		case types.AssetSkipped:
			skipped++
		case types.AssetFailed:
			if ctx.Err() == nil {
				failed++
			}
		}
	}
	e.setCollection(state, func(s *types.CollectionSummary) {
		s.ImagesDownloaded += downloaded
		s.ImagesSkipped += skipped
		s.ImagesFailed += failed
	})
}

// checkpoint saves in-progress metadata for a collection. The record stays
// incomplete until finishCollection runs.
func (e *Engine) checkpoint(state *collectionState, progress storage.UpdateOptions) {
	id := state.summary.ID
	incomplete := false
	progress.Complete = &incomplete
	if _, err := e.metadata.Update(filepath.Join(e.cfg.Crawl.OutputDir, id), id, state.summary.SourceURL, progress); err != nil {
		e.logger.Warn("metadata checkpoint failed", "collection", id, "error", err)
	}
}

type finishOptions struct {
	title       *string
	totalPages  *int
	pages       int
	complete    bool
	partial     bool
	interrupted bool
	err         error
}

func (e *Engine) finishCollection(state *collectionState, opts finishOptions) {
	id := state.summary.ID
	dir := filepath.Join(e.cfg.Crawl.OutputDir, id)
	complete := opts.complete && !opts.interrupted && opts.err == nil
	meta, err := e.metadata.Update(dir, id, state.summary.SourceURL, storage.UpdateOptions{
		Title:      opts.title,
		TotalPages: opts.totalPages,
		Complete:   &complete,
	})
	if err != nil {
		e.logger.Error("metadata update failed", "collection", id, "error", err)
	}

	e.setCollection(state, func(s *types.CollectionSummary) {
		s.PagesCrawled = opts.pages
		if opts.title != nil && *opts.title != "" {
			s.Title = *opts.title
		}
		if opts.totalPages != nil {
			s.TotalPages = *opts.totalPages
		}
		if meta != nil {
			s.FilesOnDisk = meta.DownloadedCount
			s.FailedImages = meta.FailedImages
		}
		switch {
		case opts.err != nil:
			s.Status = types.CollectionFailed
			s.Error = opts.err.Error()
		case opts.interrupted, opts.partial, s.ImagesFailed > 0:
			s.Status = types.CollectionPartial
		default:
			s.Status = types.CollectionSuccess
		}
		s.DurationSeconds = e.now().Sub(state.started).Seconds()
	})
}

// loadPage applies robots, pacing, and proxy selection, then renders rawURL.
func (e *Engine) loadPage(ctx context.Context, rawURL string) (*types.Page, *extractor.Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() {
		return nil, nil, fmt.Errorf("invalid page url %q", rawURL)
	}
	if e.robots != nil {
		if !e.robots.Allowed(ctx, u) {
			return nil, nil, ErrBlockedByRobots
		}
		e.applyCrawlDelay(ctx, u)
	}
	if err := e.limiter.Wait(ctx, u.Hostname()); err != nil {
		return nil, nil, err
	}

	req := fetcher.RenderRequest{URL: u, UserAgent: e.agents.next()}
	ep, proxied := e.proxies.Acquire()
	if proxied {
		req.Proxy = &ep
	}
	page, err := e.renderer.Render(ctx, req)
	if err != nil {
		if proxied && ctx.Err() == nil {
			e.proxies.ReportFailure(ep)
		}
		return nil, nil, err
	}
	if proxied {
		e.proxies.ReportSuccess(ep)
	}
	doc, err := e.extractor.Parse(page)
	if err != nil {
		return nil, nil, err
	}
	return page, doc, nil
}

func (e *Engine) applyCrawlDelay(ctx context.Context, u *url.URL) {
	host := u.Hostname()
	e.mu.Lock()
	_, done := e.floors[host]
	e.floors[host] = struct{}{}
	e.mu.Unlock()
	if done {
		return
	}
	if d := e.robots.CrawlDelay(ctx, u); d > 0 {
		e.logger.Info("honouring robots crawl-delay", "host", host, "delay", d)
		e.limiter.SetFloor(host, d)
	}
}

func (e *Engine) trackCollection(id, title, sourceURL string) *collectionState {
	state := &collectionState{
		summary: types.CollectionSummary{
			ID:        id,
			Title:     title,
			SourceURL: sourceURL,
			Status:    types.CollectionRunning,
		},
		started: e.now(),
	}
	e.mu.Lock()
	e.collections = append(e.collections, state)
	e.mu.Unlock()
	return state
}

func (e *Engine) setCollection(state *collectionState, fn func(*types.CollectionSummary)) {
	e.mu.Lock()
	fn(&state.summary)
	e.mu.Unlock()
}

func (e *Engine) buildSummary(started time.Time, interrupted bool) *types.RunSummary {
	finished := e.now()
	snap := e.stats.Snapshot()
	collections := e.Collections()

	var ok, failed int
	for _, c := range collections {
		switch c.Status {
		case types.CollectionSuccess:
			ok++
		case types.CollectionFailed:
			failed++
		}
	}
	summary := &types.RunSummary{
		RunID:                 uuid.NewString(),
		Mode:                  e.cfg.Crawl.Mode,
		StartURL:              e.cfg.Crawl.StartURL,
		StartedAt:             started.UTC(),
		FinishedAt:            finished.UTC(),
		DurationSeconds:       finished.Sub(started).Seconds(),
		Interrupted:           interrupted,
		Stats:                 snap,
		CollectionsDownloaded: ok,
		CollectionsFailed:     failed,
		SuccessRate:           types.Ratio(snap.ImagesDownloaded, snap.ImagesDownloaded+snap.ImagesFailed),
		DownloadRate:          types.Ratio(snap.ImagesDownloaded, snap.ImagesFound),
		Collections:           collections,
	}
	if e.proxies.Enabled() {
		summary.Proxy = e.proxies.Stats().Summary()
	}
	return summary
}
