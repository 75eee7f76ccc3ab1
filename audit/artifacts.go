// Package audit manages the per-run artifact trail: the timestamped
// raw/normalized/enriched files each phase emits, and the run manifest
// that records what was produced.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Layout is the on-disk artifact directory structure.
type Layout struct {
	RawDir        string `yaml:"raw_dir"`
	NormalizedDir string `yaml:"normalized_dir"`
	EnrichedDir   string `yaml:"enriched_dir"`
	ManifestDir   string `yaml:"manifest_dir"`
}

// ApplyDefaults fills unset directories under the given data root.
func (l *Layout) ApplyDefaults(dataRoot string) {
	if l.RawDir == "" {
		l.RawDir = filepath.Join(dataRoot, "raw")
	}
	if l.NormalizedDir == "" {
		l.NormalizedDir = filepath.Join(dataRoot, "normalized")
	}
	if l.EnrichedDir == "" {
		l.EnrichedDir = filepath.Join(dataRoot, "enriched")
	}
	if l.ManifestDir == "" {
		l.ManifestDir = filepath.Join(dataRoot, "manifests")
	}
}

// Ensure creates every artifact directory.
func (l *Layout) Ensure() error {
	for _, dir := range []string{l.RawDir, l.NormalizedDir, l.EnrichedDir, l.ManifestDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
		}
	}
	return nil
}

// Run names the artifacts of one pipeline invocation. The stamp pins
// every file of the run to the same moment.
type Run struct {
	Stamp  string
	layout Layout
}

// NewRun starts an artifact run stamped with the given start time.
func NewRun(layout Layout, startedAt time.Time) *Run {
	return &Run{
		Stamp:  startedAt.Format("20060102_150405"),
		layout: layout,
	}
}

// RawPath is the raw-phase JSONL artifact of this run.
func (r *Run) RawPath() string {
	return filepath.Join(r.layout.RawDir, fmt.Sprintf("shows_raw_%s.jsonl", r.Stamp))
}

// NormalizedPath is the normalized-phase parquet artifact of this run.
func (r *Run) NormalizedPath() string {
	return filepath.Join(r.layout.NormalizedDir, fmt.Sprintf("shows_normalized_%s.parquet", r.Stamp))
}

// EnrichedPath is the enriched-phase parquet artifact of this run.
func (r *Run) EnrichedPath() string {
	return filepath.Join(r.layout.EnrichedDir, fmt.Sprintf("shows_enriched_%s.parquet", r.Stamp))
}

// GenreStatsPath is the genre aggregate parquet artifact of this run.
func (r *Run) GenreStatsPath() string {
	return filepath.Join(r.layout.EnrichedDir, fmt.Sprintf("genre_stats_%s.parquet", r.Stamp))
}

// ManifestPath is the run manifest location.
func (r *Run) ManifestPath() string {
	return filepath.Join(r.layout.ManifestDir, fmt.Sprintf("run_%s.json", r.Stamp))
}

// WriteRawJSONL writes the raw batch as one JSON document per line.
// The file is write-once: it is only read back by the ingestion step
// of the same run.
func (r *Run) WriteRawJSONL(payloads [][]byte) error {
	path := r.RawPath()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raw artifact %s: %w", path, err)
	}
	defer f.Close()

	for _, payload := range payloads {
		if _, err := f.Write(payload); err != nil {
			return fmt.Errorf("failed to write raw artifact: %w", err)
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to write raw artifact: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync raw artifact: %w", err)
	}
	return nil
}
