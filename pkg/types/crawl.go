package types

import (
	"net/url"
	"time"
)

// FrontierEntry models a page waiting in the crawl frontier.
type FrontierEntry struct {
	URL   string
	Depth int
}

// Page represents rendered page content.
type Page struct {
	URL             *url.URL
	FinalURL        *url.URL
	Body            []byte
	FetchedAt       time.Time
	Rendered        bool
	Proxy           string
	ResponseLatency time.Duration
}

// Base returns the URL relative links on the page resolve against.
func (p *Page) Base() *url.URL {
	if p == nil {
		return nil
	}
	if p.FinalURL != nil {
		return p.FinalURL
	}
	return p.URL
}

// DownloadCandidate is the ordered list of URLs tried for one logical asset,
// most likely first. Treat it as immutable; Prepend returns a new value.
type DownloadCandidate []string

// Prepend returns a candidate list with urls placed ahead of the existing
// entries. Duplicates keep their first position.
func (c DownloadCandidate) Prepend(urls ...string) DownloadCandidate {
	out := make(DownloadCandidate, 0, len(urls)+len(c))
	seen := make(map[string]struct{}, len(urls)+len(c))
	for _, group := range [][]string{urls, c} {
		for _, u := range group {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// AssetStatus is the terminal state of one asset download.
type AssetStatus string

const (
	AssetDownloaded AssetStatus = "downloaded"
	AssetSkipped    AssetStatus = "skipped"
	AssetFailed     AssetStatus = "failed"
)

// AssetRecord captures the outcome of fetching one asset.
type AssetRecord struct {
	SourceURL     string
	LocalFilename string
	Status        AssetStatus
	Reason        string
	Attempts      int
}

// FailedImage is an unresolved asset persisted in collection metadata.
type FailedImage struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// CollectionMetadata is the per-collection resume record stored as metadata.json.
type CollectionMetadata struct {
	ID              string        `json:"id"`
	SourceURL       string        `json:"source_url"`
	Title           string        `json:"title"`
	TotalPages      int           `json:"total_pages"`
	Complete        bool          `json:"complete"`
	ImageFiles      []string      `json:"image_files"`
	DownloadedCount int           `json:"downloaded_count"`
	FailedCount     int           `json:"failed_count"`
	FailedImages    []FailedImage `json:"failed_images"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Cookie is a browser cookie loaded from the cookie file.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
	Secure bool   `json:"secure,omitempty"`
	Expiry int64  `json:"expiry,omitempty"`
}
