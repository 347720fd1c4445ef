package types

import "time"

// StatsSnapshot is a point-in-time copy of the run counters.
type StatsSnapshot struct {
	PagesCrawled     int64 `json:"pages_crawled"`
	ImagesFound      int64 `json:"images_found"`
	ImagesDownloaded int64 `json:"images_downloaded"`
	ImagesFailed     int64 `json:"images_failed"`
	ImagesSkipped    int64 `json:"images_skipped"`
	CollectionsFound int64 `json:"collections_found"`
}

// CollectionStatus is the outcome of crawling one collection.
type CollectionStatus string

const (
	CollectionRunning CollectionStatus = "running"
	CollectionSuccess CollectionStatus = "success"
	CollectionPartial CollectionStatus = "partial"
	CollectionFailed  CollectionStatus = "failed"
	CollectionSkipped CollectionStatus = "skipped"
)

// CollectionSummary describes one collection in the run summary.
type CollectionSummary struct {
	ID               string           `json:"id"`
	Title            string           `json:"title"`
	SourceURL        string           `json:"source_url"`
	Status           CollectionStatus `json:"status"`
	PagesCrawled     int              `json:"pages_crawled"`
	TotalPages       int              `json:"total_pages"`
	ImagesDownloaded int              `json:"images_downloaded"`
	ImagesSkipped    int              `json:"images_skipped"`
	ImagesFailed     int              `json:"images_failed"`
	FilesOnDisk      int              `json:"files_on_disk"`
	Error            string           `json:"error,omitempty"`
	DurationSeconds  float64          `json:"duration_seconds"`
	FailedImages     []FailedImage    `json:"failed_images,omitempty"`
}

// ProxySummary reports proxy pool state at shutdown.
type ProxySummary struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Failed    int `json:"failed"`
}

// RunSummary aggregates a whole run and is written once at shutdown.
type RunSummary struct {
	RunID                 string              `json:"run_id"`
	Mode                  string              `json:"mode"`
	StartURL              string              `json:"start_url"`
	StartedAt             time.Time           `json:"started_at"`
	FinishedAt            time.Time           `json:"finished_at"`
	DurationSeconds       float64             `json:"duration_seconds"`
	Interrupted           bool                `json:"interrupted"`
	Stats                 StatsSnapshot       `json:"stats"`
	CollectionsDownloaded int                 `json:"collections_downloaded"`
	CollectionsFailed     int                 `json:"collections_failed"`
	SuccessRate           float64             `json:"success_rate"`
	DownloadRate          float64             `json:"download_rate"`
	Collections           []CollectionSummary `json:"collections"`
	Proxy                 *ProxySummary       `json:"proxy,omitempty"`
}

// Ratio divides num by den, returning 0 when den is zero.
func Ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
