package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"imgcrawler/pkg/types"
)

func TestFileNameForURL(t *testing.T) {
	name := FileNameForURL("https://img.example.com/photos2/abc/0001_600x0.webp")
	require.True(t, strings.HasSuffix(name, ".webp"))
	require.Len(t, name, 32+len(".webp"))
	require.Equal(t, name, FileNameForURL("https://img.example.com/photos2/abc/0001_600x0.webp"))
	require.NotEqual(t, name, FileNameForURL("https://img.example.com/photos2/abc/0001_600x0.webp?v=2"))

	require.True(t, strings.HasSuffix(FileNameForURL("https://img.example.com/render?id=4"), ".jpg"))
	require.True(t, strings.HasSuffix(FileNameForURL("https://img.example.com/a/B.PNG?x=1"), ".png"))
}

func TestPageName(t *testing.T) {
	require.Equal(t, "index", PageName("https://8se.me/"))
	require.Equal(t, "index", PageName("https://8se.me"))
	require.Equal(t, "photos_sort-hot.html", PageName("https://8se.me/photos/sort-hot.html"))
	long := "https://8se.me/" + strings.Repeat("a/", 80)
	require.Len(t, PageName(long), 100)
}

func TestCollectionID(t *testing.T) {
	require.Equal(t, "id-697cc68a53ac0", CollectionID("https://8se.me/photo/id-697cc68a53ac0/2.html"))
	require.Equal(t, "id-697cc68a53ac0", CollectionID("https://8se.me/photo/id-697cc68a53ac0.html"))
	require.Equal(t, "id-abc", CollectionID("https://8se.me/photo/id-abc"))
	require.Equal(t, "gallery_spring", CollectionID("https://8se.me/gallery/spring/"))
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	files := NewFiles(fs)

	target := filepath.Join("out", "coll", "a.jpg")
	require.False(t, files.Exists(target))
	require.NoError(t, files.WriteAtomic(target, []byte("first")))
	require.NoError(t, files.WriteAtomic(target, []byte("second")))
	require.True(t, files.Exists(target))

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := afero.ReadDir(fs, filepath.Join("out", "coll"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestListImagesFiltersAndSorts(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "out/coll"
	for _, name := range []string{"b.png", "a.JPG", "metadata.json", "notes.txt", ".imgcrawler-123.part"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, "nested.png"), 0o755))

	files, err := NewFiles(fs).ListImages(dir, func(ext string) bool { return ext == "png" || ext == "jpg" })
	require.NoError(t, err)
	require.Equal(t, []string{"a.JPG", "b.png"}, files)

	files, err = NewFiles(fs).ListImages("out/absent", nil)
	require.NoError(t, err)
	require.Empty(t, files)
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func ptr[T any](v T) *T { return &v }

func TestMetadataLoadAbsent(t *testing.T) {
	store := NewMetadataStore(afero.NewMemMapFs(), []string{"jpg"})
	meta, err := store.Load("out/none")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestMetadataLoadCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "out/c/metadata.json", []byte("{broken"), 0o644))
	store := NewMetadataStore(fs, []string{"jpg"})
	_, err := store.Load("out/c")
	require.Error(t, err)

	meta, err := store.Update("out/c", "c", "https://example.com/c", UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, "c", meta.ID)
}

func TestMetadataUpdateCountsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "out/test_photo_123"
	for i := 0; i < 5; i++ {
		require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "test_image_"+string(rune('0'+i))+".jpg"), []byte("test image content"), 0o644))
	}
	store := NewMetadataStore(fs, []string{"jpg", "jpeg", "png"}, WithMetadataClock(fixedClock()))

	meta, err := store.Update(dir, "test_photo_123", "https://example.com/photo/test_photo_123", UpdateOptions{
		Title:      ptr("Spring set"),
		TotalPages: ptr(3),
	})
	require.NoError(t, err)
	require.Equal(t, 5, meta.DownloadedCount)
	require.Len(t, meta.ImageFiles, 5)
	require.Equal(t, 3, meta.TotalPages)
	require.Equal(t, "Spring set", meta.Title)

	raw, err := afero.ReadFile(fs, filepath.Join(dir, MetadataFile))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"id", "source_url", "title", "total_pages", "image_files", "downloaded_count", "failed_count", "failed_images", "updated_at"} {
		require.Contains(t, decoded, key)
	}

	meta, err = store.Update(dir, "test_photo_123", "", UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, "Spring set", meta.Title, "title survives updates that omit it")
	require.Equal(t, "https://example.com/photo/test_photo_123", meta.SourceURL)
}

func TestMetadataFailuresMergeAndResolve(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "out/test_photo_789"
	store := NewMetadataStore(fs, []string{"jpg"}, WithMetadataClock(fixedClock()))

	store.RecordFailure("test_photo_789", types.FailedImage{URL: "https://example.com/img1.jpg", Filename: "hash1.jpg", Reason: "403 Forbidden"})
	store.RecordFailure("test_photo_789", types.FailedImage{URL: "https://example.com/img2.jpg", Filename: "hash2.jpg", Reason: "Timeout"})
	store.RecordFailure("test_photo_789", types.FailedImage{URL: "https://example.com/img2.jpg", Filename: "hash2.jpg", Reason: "Timeout again"})
	require.Len(t, store.Failures("test_photo_789"), 3)

	meta, err := store.Update(dir, "test_photo_789", "https://example.com/photo/test_photo_789", UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, meta.FailedCount)
	require.Equal(t, "Timeout again", meta.FailedImages[1].Reason)
	require.False(t, meta.FailedImages[0].Timestamp.IsZero())

	// A later run downloads hash1.jpg; a fresh store sees only what is on disk.
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "hash1.jpg"), []byte("img"), 0o644))
	resumed := NewMetadataStore(fs, []string{"jpg"}, WithMetadataClock(fixedClock()))
	meta, err = resumed.Update(dir, "test_photo_789", "", UpdateOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, meta.DownloadedCount)
	require.Equal(t, 1, meta.FailedCount)
	require.Equal(t, "hash2.jpg", meta.FailedImages[0].Filename)
}

func TestMetadataConcurrentUpdatesKeepEveryRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "out/id-busy"
	files := NewFiles(fs)
	store := NewMetadataStore(fs, []string{"jpg"})

	const workers = 16
	var (
		wg        sync.WaitGroup
		wantFiles []string
		wantFails []string
	)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("img-%02d.jpg", i)
		if i%2 == 0 {
			wantFiles = append(wantFiles, name)
		} else {
			wantFails = append(wantFails, "https://example.com/"+name)
		}
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			if i%2 == 0 {
				if err := files.WriteAtomic(filepath.Join(dir, name), []byte("img")); err != nil {
					t.Error(err)
					return
				}
			} else {
				store.RecordFailure("id-busy", types.FailedImage{URL: "https://example.com/" + name, Filename: name, Reason: "timeout"})
			}
			if _, err := store.Update(dir, "id-busy", "https://example.com/id-busy", UpdateOptions{}); err != nil {
				t.Error(err)
			}
		}(i, name)
	}
	wg.Wait()

	meta, err := store.Load(dir)
	require.NoError(t, err)
	require.NotNil(t, meta)

	onDisk, err := files.ListImages(dir, func(ext string) bool { return ext == "jpg" })
	require.NoError(t, err)
	require.Equal(t, wantFiles, onDisk)
	require.Equal(t, onDisk, meta.ImageFiles)
	require.Equal(t, len(wantFiles), meta.DownloadedCount)

	var gotFails []string
	for _, f := range meta.FailedImages {
		gotFails = append(gotFails, f.URL)
	}
	require.ElementsMatch(t, wantFails, gotFails)
	require.Equal(t, len(wantFails), meta.FailedCount)
}

func sampleSummary() *types.RunSummary {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.RunSummary{
		RunID:                 "run-1",
		Mode:                  "listing-detail",
		StartURL:              "https://8se.me/photos/sort-hot.html",
		StartedAt:             start,
		FinishedAt:            start.Add(90 * time.Second),
		DurationSeconds:       90,
		Interrupted:           true,
		Stats:                 types.StatsSnapshot{CollectionsFound: 3, ImagesDownloaded: 78, ImagesFailed: 5, ImagesSkipped: 10, ImagesFound: 93},
		CollectionsDownloaded: 2,
		CollectionsFailed:     1,
		SuccessRate:           types.Ratio(78, 83),
		Collections: []types.CollectionSummary{
			{ID: "photo001", Title: "Set one", Status: types.CollectionSuccess, ImagesDownloaded: 50},
			{ID: "photo002", Title: "Set two", Status: types.CollectionPartial, ImagesDownloaded: 28, ImagesFailed: 2,
				FailedImages: []types.FailedImage{{URL: "https://example.com/x.jpg", Reason: "403"}}},
			{ID: "photo003", Title: "Set three", Status: types.CollectionFailed, Error: "render failed"},
		},
		Proxy: &types.ProxySummary{Total: 3, Available: 2, Failed: 1},
	}
}

func TestSummaryWriterWritesBothFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	jsonPath, textPath, err := NewSummaryWriter(NewFiles(fs), "out").Write(sampleSummary())
	require.NoError(t, err)
	require.Equal(t, filepath.Join("out", SummaryJSONFile), jsonPath)
	require.Equal(t, filepath.Join("out", SummaryTextFile), textPath)

	raw, err := afero.ReadFile(fs, jsonPath)
	require.NoError(t, err)
	var decoded types.RunSummary
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, 2, decoded.CollectionsDownloaded)
	require.Equal(t, 1, decoded.CollectionsFailed)
	require.Len(t, decoded.Collections, 3)
	require.True(t, decoded.Interrupted)

	text, err := afero.ReadFile(fs, textPath)
	require.NoError(t, err)
	require.Contains(t, string(text), "Download Summary")
	require.Contains(t, string(text), "photo002")
	require.Contains(t, string(text), "https://example.com/x.jpg")
}

func TestRenderTextWithoutCollections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderText(&buf, &types.RunSummary{RunID: "r", Mode: "single-page"}))
	require.Contains(t, buf.String(), "Totals")
	require.NotContains(t, buf.String(), "Collections\n")
}
