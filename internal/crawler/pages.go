package crawler

import (
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"imgcrawler/internal/config"
)

// ListingPageURL returns the URL of listing page n. Page 1 is the start URL;
// later pages insert "-n" before a trailing .html or set ?page=n.
func ListingPageURL(start string, n int) string {
	return pagedURL(start, n)
}

// DetailPageURL returns page n of a gallery using the same scheme as listings.
func DetailPageURL(collectionURL string, n int) string {
	return pagedURL(collectionURL, n)
}

func pagedURL(raw string, n int) string {
	if n <= 1 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	suffix := "-" + strconv.Itoa(n)
	for _, ext := range []string{".html", ".htm"} {
		if strings.HasSuffix(strings.ToLower(u.Path), ext) {
			cut := len(u.Path) - len(ext)
			u.Path = u.Path[:cut] + suffix + u.Path[cut:]
			u.RawPath = ""
			return u.String()
		}
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

// agentRotation hands out user agents round-robin.
type agentRotation struct {
	agents []string
	n      atomic.Uint64
}

func newAgentRotation(agents []string) *agentRotation {
	if len(agents) == 0 {
		agents = config.DefaultUserAgents
	}
	return &agentRotation{agents: append([]string(nil), agents...)}
}

func (r *agentRotation) next() string {
	i := r.n.Add(1) - 1
	return r.agents[i%uint64(len(r.agents))]
}
