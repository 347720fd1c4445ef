package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/nao1215/markdown"

	"imgcrawler/pkg/types"
)

// Summary file names, written to the output root.
const (
	SummaryJSONFile = "download_summary.json"
	SummaryTextFile = "download_summary.txt"
)

// SummaryWriter persists the run summary as JSON and as a readable report.
type SummaryWriter struct {
	files *Files
	dir   string
}

// NewSummaryWriter writes into dir through files.
func NewSummaryWriter(files *Files, dir string) *SummaryWriter {
	return &SummaryWriter{files: files, dir: dir}
}

// Write stores both summary files and returns their paths.
func (w *SummaryWriter) Write(summary *types.RunSummary) (string, string, error) {
	if summary == nil {
		return "", "", fmt.Errorf("summary is nil")
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode summary: %w", err)
	}
	jsonPath := filepath.Join(w.dir, SummaryJSONFile)
	if err := w.files.WriteAtomic(jsonPath, data); err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := RenderText(&buf, summary); err != nil {
		return jsonPath, "", err
	}
	textPath := filepath.Join(w.dir, SummaryTextFile)
	if err := w.files.WriteAtomic(textPath, buf.Bytes()); err != nil {
		return jsonPath, "", err
	}
	return jsonPath, textPath, nil
}

// RenderText writes the human-readable summary.
func RenderText(out io.Writer, s *types.RunSummary) error {
	md := markdown.NewMarkdown(out)

	md.H1("Download Summary")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", s.RunID},
			{"Mode", s.Mode},
			{"Start URL", s.StartURL},
			{"Started", s.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Finished", s.FinishedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", strconv.FormatFloat(s.DurationSeconds, 'f', 1, 64) + "s"},
		},
	})
	md.PlainText("")
	if s.Interrupted {
		md.Warningf("Run interrupted before completion; rerun to resume.")
		md.PlainText("")
	}

	md.H2("Totals")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Counter", "Value"},
		Rows: [][]string{
			{"Pages crawled", strconv.FormatInt(s.Stats.PagesCrawled, 10)},
			{"Collections found", strconv.FormatInt(s.Stats.CollectionsFound, 10)},
			{"Collections downloaded", strconv.Itoa(s.CollectionsDownloaded)},
			{"Collections failed", strconv.Itoa(s.CollectionsFailed)},
			{"Images found", strconv.FormatInt(s.Stats.ImagesFound, 10)},
			{"Images downloaded", strconv.FormatInt(s.Stats.ImagesDownloaded, 10)},
			{"Images failed", strconv.FormatInt(s.Stats.ImagesFailed, 10)},
			{"Images skipped", strconv.FormatInt(s.Stats.ImagesSkipped, 10)},
			{"Success rate", percent(s.SuccessRate)},
			{"Download rate", percent(s.DownloadRate)},
		},
	})
	md.PlainText("")

	if s.Proxy != nil {
		md.H2("Proxies")
		md.PlainText("")
		md.BulletList(
			"total: "+strconv.Itoa(s.Proxy.Total),
			"available: "+strconv.Itoa(s.Proxy.Available),
			"failed: "+strconv.Itoa(s.Proxy.Failed),
		)
		md.PlainText("")
	}

	if len(s.Collections) > 0 {
		md.H2("Collections")
		md.PlainText("")
		rows := make([][]string, 0, len(s.Collections))
		for _, c := range s.Collections {
			rows = append(rows, []string{
				c.ID,
				c.Title,
				string(c.Status),
				strconv.Itoa(c.PagesCrawled),
				strconv.Itoa(c.ImagesDownloaded),
				strconv.Itoa(c.ImagesFailed),
				strconv.FormatFloat(c.DurationSeconds, 'f', 1, 64),
			})
		}
		md.Table(markdown.TableSet{
			Header: []string{"ID", "Title", "Status", "Pages", "Downloaded", "Failed", "Seconds"},
			Rows:   rows,
		})
		md.PlainText("")

		for _, c := range s.Collections {
			if len(c.FailedImages) == 0 {
				continue
			}
			md.H3("Failed images: " + c.ID)
			md.PlainText("")
			items := make([]string, 0, len(c.FailedImages))
			for _, f := range c.FailedImages {
				items = append(items, f.URL+" ("+f.Reason+")")
			}
			md.BulletList(items...)
			md.PlainText("")
		}
	}

	return md.Build()
}

func percent(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 2, 64) + "%"
}
