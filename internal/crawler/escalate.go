package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"imgcrawler/internal/extractor"
	"imgcrawler/internal/fetcher"
	"imgcrawler/internal/proxypool"
)

// ShowPageEscalator renders the page that displays one image and returns the
// full-size URLs found there. The downloader calls it after repeated 403s.
type ShowPageEscalator struct {
	renderer  Renderer
	extractor *extractor.HTMLExtractor
	pool      *proxypool.Pool
	agents    *agentRotation
	logger    *slog.Logger
}

// NewShowPageEscalator wires an escalator. pool may be nil.
func NewShowPageEscalator(r Renderer, x *extractor.HTMLExtractor, pool *proxypool.Pool, userAgents []string, logger *slog.Logger) *ShowPageEscalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShowPageEscalator{
		renderer:  r,
		extractor: x,
		pool:      pool,
		agents:    newAgentRotation(userAgents),
		logger:    logger.With("component", "escalator"),
	}
}

// Escalate implements downloader.Escalator.
func (s *ShowPageEscalator) Escalate(ctx context.Context, detailURL string) ([]string, error) {
	u, err := url.Parse(detailURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("escalate: invalid detail url %q", detailURL)
	}
	req := fetcher.RenderRequest{URL: u, UserAgent: s.agents.next()}
	ep, proxied := s.pool.Acquire()
	if proxied {
		req.Proxy = &ep
	}
	page, err := s.renderer.Render(ctx, req)
	if err != nil {
		if proxied {
			s.pool.ReportFailure(ep)
		}
		return nil, err
	}
	if proxied {
		s.pool.ReportSuccess(ep)
	}
	doc, err := s.extractor.Parse(page)
	if err != nil {
		return nil, err
	}
	urls := s.extractor.ShowPageImages(doc)
	s.logger.Debug("show page images", "url", detailURL, "found", len(urls))
	return urls, nil
}
