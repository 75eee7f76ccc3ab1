package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManifestFile describes one artifact file referenced by a run manifest.
type ManifestFile struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// PhaseResult records the outcome of one pipeline phase.
type PhaseResult struct {
	Phase      string `json:"phase"`
	Rows       int    `json:"rows"`
	Dropped    int    `json:"dropped,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Manifest is the durable summary of one pipeline run.
type Manifest struct {
	Stamp       string         `json:"stamp"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Status      string         `json:"status"`
	Phases      []PhaseResult  `json:"phases"`
	Files       []ManifestFile `json:"files"`
	Checksum    string         `json:"checksum"`
}

// AddFile hashes the artifact at path and appends it to the manifest.
// Missing files are skipped: a phase that produced no artifact leaves
// no manifest entry.
func (m *Manifest) AddFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat artifact %s: %w", path, err)
	}

	sum, err := checksumFile(path)
	if err != nil {
		return err
	}
	m.Files = append(m.Files, ManifestFile{
		Path:     path,
		Checksum: sum,
		Bytes:    info.Size(),
	})
	return nil
}

// Write seals the manifest and writes it atomically via a temp file
// rename so readers never observe a partial manifest.
func (m *Manifest) Write(path string) error {
	m.Checksum = m.computeChecksum()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize manifest %s: %w", path, err)
	}
	return nil
}

// computeChecksum builds a deterministic digest over the run identity
// and its file entries, sorted by path.
func (m *Manifest) computeChecksum() string {
	h := sha256.New()
	fmt.Fprintf(h, "run:%s:%s\n", m.Stamp, m.Status)

	files := make([]ManifestFile, len(m.Files))
	copy(files, m.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	for _, f := range files {
		fmt.Fprintf(h, "file:%s:%s:%d\n", filepath.Base(f.Path), f.Checksum, f.Bytes)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ReadManifest loads a previously written run manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
