package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	var l Layout
	l.ApplyDefaults(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	return l
}

func TestRunArtifactNaming(t *testing.T) {
	layout := testLayout(t)
	startedAt := time.Date(2026, 3, 15, 9, 30, 5, 0, time.UTC)
	run := NewRun(layout, startedAt)

	if run.Stamp != "20260315_093005" {
		t.Fatalf("stamp = %q, want 20260315_093005", run.Stamp)
	}
	if got := filepath.Base(run.RawPath()); got != "shows_raw_20260315_093005.jsonl" {
		t.Errorf("raw artifact = %q", got)
	}
	if got := filepath.Base(run.NormalizedPath()); got != "shows_normalized_20260315_093005.parquet" {
		t.Errorf("normalized artifact = %q", got)
	}
	if got := filepath.Base(run.EnrichedPath()); got != "shows_enriched_20260315_093005.parquet" {
		t.Errorf("enriched artifact = %q", got)
	}
	if got := filepath.Base(run.GenreStatsPath()); got != "genre_stats_20260315_093005.parquet" {
		t.Errorf("genre stats artifact = %q", got)
	}
}

func TestWriteRawJSONL(t *testing.T) {
	layout := testLayout(t)
	run := NewRun(layout, time.Now())

	payloads := [][]byte{
		[]byte(`{"id":1,"name":"First"}`),
		[]byte(`{"id":2,"name":"Second"}`),
	}
	if err := run.WriteRawJSONL(payloads); err != nil {
		t.Fatalf("WriteRawJSONL failed: %v", err)
	}

	data, err := os.ReadFile(run.RawPath())
	if err != nil {
		t.Fatalf("read raw artifact: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i, err)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	layout := testLayout(t)
	run := NewRun(layout, time.Now())

	if err := run.WriteRawJSONL([][]byte{[]byte(`{"id":1}`)}); err != nil {
		t.Fatalf("WriteRawJSONL failed: %v", err)
	}

	m := &Manifest{
		Stamp:     run.Stamp,
		StartedAt: time.Now().Add(-time.Minute),
		Status:    "done",
		Phases: []PhaseResult{
			{Phase: "ingest", Rows: 1, DurationMS: 120},
			{Phase: "normalize", Rows: 1, Dropped: 0, DurationMS: 40},
		},
	}
	if err := m.AddFile(run.RawPath()); err != nil {
		t.Fatalf("AddFile failed: %v", err)
	}
	m.CompletedAt = time.Now()
	if err := m.Write(run.ManifestPath()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := ReadManifest(run.ManifestPath())
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	if got.Stamp != m.Stamp {
		t.Errorf("stamp = %q, want %q", got.Stamp, m.Stamp)
	}
	if len(got.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(got.Files))
	}
	if got.Files[0].Checksum == "" || got.Files[0].Bytes == 0 {
		t.Errorf("file entry not populated: %+v", got.Files[0])
	}
	if len(got.Phases) != 2 || got.Phases[0].Phase != "ingest" {
		t.Errorf("phases not preserved: %+v", got.Phases)
	}
	if got.Checksum != got.computeChecksum() {
		t.Errorf("stored checksum does not match recomputed checksum")
	}
}

func TestManifestSkipsMissingFiles(t *testing.T) {
	m := &Manifest{Stamp: "20260101_000000", Status: "done"}
	if err := m.AddFile(filepath.Join(t.TempDir(), "absent.parquet")); err != nil {
		t.Fatalf("AddFile on missing file should be a no-op, got: %v", err)
	}
	if len(m.Files) != 0 {
		t.Errorf("missing file produced a manifest entry: %+v", m.Files)
	}
}

func TestManifestWriteLeavesNoTempFile(t *testing.T) {
	layout := testLayout(t)
	run := NewRun(layout, time.Now())

	m := &Manifest{Stamp: run.Stamp, Status: "done"}
	if err := m.Write(run.ManifestPath()); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(run.ManifestPath() + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after write")
	}
}
