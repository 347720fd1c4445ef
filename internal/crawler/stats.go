package crawler

import (
	"sync/atomic"

	"imgcrawler/pkg/types"
)

// Stats holds run counters shared by every worker.
type Stats struct {
	pagesCrawled     atomic.Int64
	imagesFound      atomic.Int64
	imagesDownloaded atomic.Int64
	imagesFailed     atomic.Int64
	imagesSkipped    atomic.Int64
	collectionsFound atomic.Int64
}

// IncPages counts a rendered page.
func (s *Stats) IncPages() {
	s.pagesCrawled.Add(1)
}

// AddImagesFound counts images extracted from a page.
func (s *Stats) AddImagesFound(n int) {
	s.imagesFound.Add(int64(n))
}

// AddCollectionsFound counts galleries discovered on listing pages.
func (s *Stats) AddCollectionsFound(n int) {
	s.collectionsFound.Add(int64(n))
}

func (s *Stats) IncDownloaded() {
	s.imagesDownloaded.Add(1)
}

func (s *Stats) IncFailed() {
	s.imagesFailed.Add(1)
}

func (s *Stats) IncSkipped() {
	s.imagesSkipped.Add(1)
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() types.StatsSnapshot {
	return types.StatsSnapshot{
		PagesCrawled:     s.pagesCrawled.Load(),
		ImagesFound:      s.imagesFound.Load(),
		ImagesDownloaded: s.imagesDownloaded.Load(),
		ImagesFailed:     s.imagesFailed.Load(),
		ImagesSkipped:    s.imagesSkipped.Load(),
		CollectionsFound: s.collectionsFound.Load(),
	}
}
