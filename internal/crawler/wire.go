package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"imgcrawler/internal/config"
	"imgcrawler/internal/downloader"
	"imgcrawler/internal/extractor"
	"imgcrawler/internal/fetcher"
	"imgcrawler/internal/proxypool"
	"imgcrawler/internal/robots"
	"imgcrawler/internal/storage"
	"imgcrawler/internal/validator"
)

// BuildOptions supplies the process-level pieces Build cannot derive from config.
type BuildOptions struct {
	Fs     afero.Fs
	Logger *slog.Logger
}

// Build wires the production collaborators for cfg: the proxy pool, HTTP and
// browser transports, validator, metadata store, robots agent, and summary
// writer. The caller owns ctx only for the optional proxy probe.
func Build(ctx context.Context, cfg config.Config, opts BuildOptions) (*Engine, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	files := storage.NewFiles(fs)

	pool, err := BuildProxyPool(fs, cfg.Proxy, logger)
	if err != nil {
		return nil, err
	}
	if pool.Enabled() && cfg.Proxy.ProbeOnStart {
		results, err := proxypool.Probe(ctx, pool, proxypool.ProbeOptions{TestURL: cfg.Proxy.ProbeURL})
		if err != nil {
			return nil, fmt.Errorf("probe proxies: %w", err)
		}
		alive := 0
		for _, r := range results {
			if r.OK {
				alive++
			}
		}
		logger.Info("proxy probe complete", "alive", alive, "total", len(results))
	}

	cookies := config.LoadCookies(fs, cfg.Crawl.CookieFile, logger)
	x, err := extractor.New(cfg.Crawl.StartURL, cfg.Download.AllowedImageFormats, cfg.Crawl.Selectors)
	if err != nil {
		return nil, err
	}

	renderer := fetcher.NewChromedpRenderer(fetcher.RenderOptions{
		Timeout:            cfg.Crawl.Timeout.Duration,
		WaitForSelector:    cfg.Rendering.WaitForSelector,
		DisableHeadless:    !cfg.Rendering.Headless,
		ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
		ScrollPause:        cfg.Rendering.ScrollPause.Duration,
		Cookies:            cookies,
		Logger:             logger,
	})

	transport := fetcher.NewHTTPTransport(fetcher.Options{
		Timeout:      cfg.Crawl.Timeout.Duration,
		MaxBodyBytes: cfg.Download.MaxBodyBytes,
	})

	var fallback downloader.BrowserFetcher
	if cfg.Download.BrowserFallback {
		fallback = fetcher.NewBrowserTransport(fetcher.BrowserOptions{
			Timeout:         cfg.Crawl.Timeout.Duration,
			DisableHeadless: !cfg.Rendering.Headless,
			Cookies:         cookies,
			Logger:          logger,
		})
	}

	metadata := storage.NewMetadataStore(fs, cfg.Download.AllowedImageFormats, storage.WithMetadataLogger(logger))
	stats := &Stats{}

	delays := make([]time.Duration, len(cfg.Download.RetryDelays))
	for i, d := range cfg.Download.RetryDelays {
		delays[i] = d.Duration
	}
	assets, err := downloader.New(downloader.Options{
		Transport:         transport,
		Fallback:          fallback,
		Validator:         validator.New(cfg.Download.MinImageSize, cfg.Download.AllowedImageFormats),
		Pool:              pool,
		Escalator:         NewShowPageEscalator(renderer, x, pool, cfg.Crawl.UserAgents, logger),
		Files:             files,
		Stats:             stats,
		Failures:          metadata,
		Headers:           downloader.NewHeaderBuilder(cfg.Crawl.UserAgents, config.CookieHeader(cookies), cfg.Crawl.StartURL),
		MaxAttempts:       cfg.Download.MaxRetries,
		RetryDelays:       delays,
		EscalateOnAttempt: cfg.Download.EscalateOnAttempt,
		SkipExisting:      cfg.Download.SkipExisting,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	var robotsAgent RobotsChecker
	if cfg.Robots.Respect {
		robotsAgent = robots.NewAgent(cfg.Robots, &http.Client{Timeout: 10 * time.Second}, logger)
	}

	return NewEngine(cfg, Deps{
		Renderer:  renderer,
		Extractor: x,
		Fetcher:   assets,
		Metadata:  metadata,
		Files:     files,
		Robots:    robotsAgent,
		Pool:      pool,
		Summary:   storage.NewSummaryWriter(files, cfg.Crawl.OutputDir),
		Stats:     stats,
		Logger:    logger,
		Closers: []func() error{
			func() error {
				transport.Close()
				return nil
			},
		},
	})
}

// BuildProxyPool reads the configured proxy list. A disabled proxy config
// yields an empty, disabled pool.
func BuildProxyPool(fs afero.Fs, cfg config.ProxyConfig, logger *slog.Logger) (*proxypool.Pool, error) {
	if !cfg.Enabled {
		return proxypool.New(nil), nil
	}
	lines, err := config.ReadProxyLines(fs, cfg)
	if err != nil {
		return nil, err
	}
	endpoints, err := proxypool.ParseEndpoints(lines)
	if err != nil {
		logger.Warn("some proxy entries were ignored", "error", err)
	}
	if len(endpoints) == 0 {
		logger.Warn("proxy enabled but no usable endpoints, connecting directly", "file", cfg.ListFile)
	}
	return proxypool.New(endpoints,
		proxypool.WithQuarantine(cfg.Quarantine.Duration),
		proxypool.WithLogger(logger),
	), nil
}
