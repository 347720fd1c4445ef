package downloader

import (
	"net/http"
	"strings"
	"sync/atomic"

	"imgcrawler/internal/config"
)

// HeaderBuilder produces the browser-like header set sent with every asset
// request. User agents rotate round-robin.
type HeaderBuilder struct {
	agents   []string
	cookie   string
	fallback string
	next     atomic.Uint64
}

// NewHeaderBuilder returns a builder that falls back to startURL as Referer.
func NewHeaderBuilder(agents []string, cookieHeader, startURL string) *HeaderBuilder {
	if len(agents) == 0 {
		agents = config.DefaultUserAgents
	}
	return &HeaderBuilder{
		agents:   append([]string(nil), agents...),
		cookie:   strings.TrimSpace(cookieHeader),
		fallback: startURL,
	}
}

// UserAgent returns the next agent in rotation.
func (h *HeaderBuilder) UserAgent() string {
	i := h.next.Add(1) - 1
	return h.agents[i%uint64(len(h.agents))]
}

// Build returns a fresh header set for one request.
func (h *HeaderBuilder) Build(referer string) http.Header {
	if strings.TrimSpace(referer) == "" {
		referer = h.fallback
	}
	hdr := http.Header{}
	hdr.Set("User-Agent", h.UserAgent())
	hdr.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	hdr.Set("Accept-Language", "en-US,en;q=0.9")
	hdr.Set("Accept-Encoding", "gzip, deflate, br")
	hdr.Set("Sec-Fetch-Dest", "image")
	hdr.Set("Sec-Fetch-Mode", "no-cors")
	hdr.Set("Sec-Fetch-Site", "cross-site")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Pragma", "no-cache")
	if referer != "" {
		hdr.Set("Referer", referer)
	}
	if h.cookie != "" {
		hdr.Set("Cookie", h.cookie)
	}
	return hdr
}
