package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"imgcrawler/pkg/types"
)

// FrontierOptions bounds a Frontier.
type FrontierOptions struct {
	StartURL string
	MaxDepth int
	// MaxPages caps how many entries are ever popped. Zero means unlimited.
	MaxPages int
}

// Frontier is a breadth-first queue of page URLs restricted to the start
// host. Every normalised URL is dispatched at most once.
type Frontier struct {
	host     string
	maxDepth int
	maxPages int

	mu      sync.Mutex
	queue   []types.FrontierEntry
	queued  map[string]struct{}
	visited map[string]struct{}
	popped  int
}

// NewFrontier creates an empty frontier for the host of opts.StartURL.
func NewFrontier(opts FrontierOptions) (*Frontier, error) {
	u, err := url.Parse(opts.StartURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("frontier start url %q: invalid", opts.StartURL)
	}
	return &Frontier{
		host:     strings.ToLower(u.Hostname()),
		maxDepth: opts.MaxDepth,
		maxPages: opts.MaxPages,
		queued:   make(map[string]struct{}),
		visited:  make(map[string]struct{}),
	}, nil
}

// Push enqueues rawURL at depth and reports whether it was accepted.
func (f *Frontier) Push(rawURL string, depth int) bool {
	if depth < 0 || depth > f.maxDepth {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	key, ok := canonicalKey(u)
	if !ok || !strings.EqualFold(u.Hostname(), f.host) {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capReachedLocked() {
		return false
	}
	if _, seen := f.visited[key]; seen {
		return false
	}
	if _, seen := f.queued[key]; seen {
		return false
	}
	u.Fragment = ""
	f.queued[key] = struct{}{}
	f.queue = append(f.queue, types.FrontierEntry{URL: u.String(), Depth: depth})
	return true
}

// Pop removes the oldest entry and marks it visited before returning it.
func (f *Frontier) Pop() (types.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.queue) > 0 {
		if f.capReachedLocked() {
			return types.FrontierEntry{}, false
		}
		entry := f.queue[0]
		f.queue[0] = types.FrontierEntry{}
		f.queue = f.queue[1:]

		u, err := url.Parse(entry.URL)
		if err != nil {
			continue
		}
		key, _ := canonicalKey(u)
		delete(f.queued, key)
		if _, seen := f.visited[key]; seen {
			continue
		}
		f.visited[key] = struct{}{}
		f.popped++
		return entry, true
	}
	return types.FrontierEntry{}, false
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Visited reports whether rawURL has already been popped.
func (f *Frontier) Visited(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	key, ok := canonicalKey(u)
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, seen := f.visited[key]
	return seen
}

// PoppedCount returns how many entries have been dispatched.
func (f *Frontier) PoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.popped
}

func (f *Frontier) capReachedLocked() bool {
	return f.maxPages > 0 && f.popped >= f.maxPages
}

// canonicalKey is scheme://host[:port]/path with default ports, the query,
// and the fragment dropped.
func canonicalKey(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if port := u.Port(); port != "" && port != defaultPortForScheme(scheme) {
		host = host + ":" + port
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, true
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
