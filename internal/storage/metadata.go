package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"imgcrawler/pkg/types"
)

// MetadataFile is the per-collection resume record.
const MetadataFile = "metadata.json"

// MetadataStore reads and writes per-collection metadata and collects
// failures reported during the run until the next Update persists them.
type MetadataStore struct {
	files   *Files
	allowed map[string]struct{}
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	failures map[string][]types.FailedImage
}

// MetadataOption customises a MetadataStore.
type MetadataOption func(*MetadataStore)

// WithMetadataClock injects the time source used for UpdatedAt.
func WithMetadataClock(now func() time.Time) MetadataOption {
	return func(s *MetadataStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetadataLogger sets the logger.
func WithMetadataLogger(logger *slog.Logger) MetadataOption {
	return func(s *MetadataStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMetadataStore builds a store over fs. Only files whose extension is in
// allowedFormats count towards a collection's inventory.
func NewMetadataStore(fs afero.Fs, allowedFormats []string, opts ...MetadataOption) *MetadataStore {
	s := &MetadataStore{
		files:    NewFiles(fs),
		allowed:  make(map[string]struct{}, len(allowedFormats)),
		now:      time.Now,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
		failures: make(map[string][]types.FailedImage),
	}
	for _, f := range allowedFormats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if f != "" {
			s.allowed[f] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "metadata")
	return s
}

// Load reads dir/metadata.json. It returns (nil, nil) when the file does not exist.
func (s *MetadataStore) Load(dir string) (*types.CollectionMetadata, error) {
	data, err := afero.ReadFile(s.files.Fs(), filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta types.CollectionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", dir, err)
	}
	return &meta, nil
}

// RecordFailure remembers an unresolved asset for collectionID.
func (s *MetadataStore) RecordFailure(collectionID string, failure types.FailedImage) {
	if failure.Timestamp.IsZero() {
		failure.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[collectionID] = append(s.failures[collectionID], failure)
}

// Failures returns the failures recorded in memory for collectionID.
func (s *MetadataStore) Failures(collectionID string) []types.FailedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.FailedImage(nil), s.failures[collectionID]...)
}

// UpdateOptions carries optional fields; nil leaves the stored value alone.
type UpdateOptions struct {
	Title      *string
	TotalPages *int
	Complete   *bool
}

// Update rescans dir, merges failures, and rewrites metadata.json atomically.
func (s *MetadataStore) Update(dir, id, sourceURL string, opts UpdateOptions) (*types.CollectionMetadata, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	meta, err := s.Load(dir)
	if err != nil {
		s.logger.Warn("existing metadata unreadable, rebuilding", "collection", id, "error", err)
		meta = nil
	}
	if meta == nil {
		meta = &types.CollectionMetadata{}
	}

	files, err := s.files.ListImages(dir, s.allows)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(files))
	for _, f := range files {
		present[f] = struct{}{}
	}

	meta.ID = id
	if sourceURL != "" {
		meta.SourceURL = sourceURL
	}
	if opts.Title != nil {
		meta.Title = *opts.Title
	}
	if opts.TotalPages != nil {
		meta.TotalPages = *opts.TotalPages
	}
	if opts.Complete != nil {
		meta.Complete = *opts.Complete
	}
	meta.ImageFiles = files
	meta.DownloadedCount = len(files)
	meta.FailedImages = mergeFailures(meta.FailedImages, s.Failures(id), present)
	meta.FailedCount = len(meta.FailedImages)
	meta.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := s.files.WriteAtomic(filepath.Join(dir, MetadataFile), data); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *MetadataStore) allows(ext string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	if _, ok := s.allowed[ext]; ok {
		return true
	}
	switch ext {
	case "jpg":
		_, ok := s.allowed["jpeg"]
		return ok
	case "jpeg":
		_, ok := s.allowed["jpg"]
		return ok
	}
	return false
}

func (s *MetadataStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// mergeFailures keeps failures whose file is still missing. Later entries
// replace earlier ones with the same URL but keep the earlier position.
func mergeFailures(existing, recent []types.FailedImage, present map[string]struct{}) []types.FailedImage {
	out := make([]types.FailedImage, 0, len(existing)+len(recent))
	index := make(map[string]int, len(existing)+len(recent))
	for _, group := range [][]types.FailedImage{existing, recent} {
		for _, f := range group {
			if _, ok := present[f.Filename]; ok {
				continue
			}
			if i, ok := index[f.URL]; ok {
				out[i] = f
				continue
			}
			index[f.URL] = len(out)
			out = append(out, f)
		}
	}
	return out
}
