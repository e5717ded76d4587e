// Package metrics builds the report printed after a dataset ingest.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
)

// IngestReport collects statistics for one store-dataset run.
type IngestReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Dataset    DatasetStats  `json:"dataset"`
	Models     ModelStats    `json:"models"`
	Store      StoreStats    `json:"store"`
	Errors     []string      `json:"errors,omitempty"`
}

type DatasetStats struct {
	Dir        string `json:"dir"`
	ImageCount int    `json:"image_count"`
	TotalBytes int64  `json:"total_bytes"`
}

type ModelStats struct {
	Captioner string `json:"captioner"`
	Embedder  string `json:"embedder"`
}

type StoreStats struct {
	Backend   string   `json:"backend"`
	Stored    int      `json:"stored"`
	NotStored []string `json:"not_stored"`
	Moved     int      `json:"moved"`
}

// New starts tracking an ingest of dir.
func New(dir string) *IngestReport {
	return &IngestReport{
		StartedAt: time.Now(),
		Dataset:   DatasetStats{Dir: dir},
		Store:     StoreStats{NotStored: []string{}},
	}
}

// CollectDataset records the number and total size of the images to ingest.
// Files that cannot be stat'ed are counted with size zero.
func (r *IngestReport) CollectDataset(fs afero.Fs, paths []string) {
	r.Dataset.ImageCount = len(paths)
	r.Dataset.TotalBytes = 0
	for _, p := range paths {
		if fi, err := fs.Stat(p); err == nil {
			r.Dataset.TotalBytes += fi.Size()
		}
	}
}

// SetModels records which providers captioned and embedded the images.
func (r *IngestReport) SetModels(captioner, embedder string) {
	r.Models = ModelStats{Captioner: captioner, Embedder: embedder}
}

// Finish marks the ingest as complete. err is the error that stopped the
// batch, if any.
func (r *IngestReport) Finish(backend string, notStored []string, moved int, err error) {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
	r.Store.Backend = backend
	if notStored != nil {
		r.Store.NotStored = notStored
	}
	r.Store.Moved = moved
	if err == nil {
		r.Store.Stored = r.Dataset.ImageCount - len(r.Store.NotStored)
	}
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Success reports whether every image was stored.
func (r *IngestReport) Success() bool {
	return len(r.Errors) == 0 && len(r.Store.NotStored) == 0
}

// PrintSummary writes a human-readable summary.
func (r *IngestReport) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║         IMAGE INGEST REPORT          ║\n")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ Duration:    %-23s║\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "║ Backend:     %-23s║\n", r.Store.Backend)
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ DATASET (%s)\n", r.Dataset.Dir)
	fmt.Fprintf(w, "║   Images:      %d\n", r.Dataset.ImageCount)
	fmt.Fprintf(w, "║   Total Size:  %s\n", formatBytes(r.Dataset.TotalBytes))
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ MODELS\n")
	fmt.Fprintf(w, "║   Caption:     %s\n", r.Models.Captioner)
	fmt.Fprintf(w, "║   Embedding:   %s\n", r.Models.Embedder)
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ STORE\n")
	fmt.Fprintf(w, "║   Stored:      %d\n", r.Store.Stored)
	fmt.Fprintf(w, "║   Not stored:  %d\n", len(r.Store.NotStored))
	for _, p := range r.Store.NotStored {
		fmt.Fprintf(w, "║     • %s\n", p)
	}
	if r.Store.Moved > 0 {
		fmt.Fprintf(w, "║   Moved:       %d\n", r.Store.Moved)
	}
	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ ERRORS\n")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "║   • %s\n", e)
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

// JSON returns the report as formatted JSON.
func (r *IngestReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
