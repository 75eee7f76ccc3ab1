package main

import (
	"context"
	"fmt"
	"time"

	"github.com/withobsrvr/showlake-ingestion/audit"
	"github.com/withobsrvr/showlake-ingestion/enrich"
	"github.com/withobsrvr/showlake-ingestion/normalize"
	"github.com/withobsrvr/showlake-ingestion/rawstore"
	"github.com/withobsrvr/showlake-ingestion/snapshot"
	"github.com/withobsrvr/showlake-ingestion/source"
)

// Phase identifies one stage of the pipeline.
type Phase int

const (
	PhaseIngest Phase = iota + 1
	PhaseNormalize
	PhaseEnrich
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIngest:
		return "ingest"
	case PhaseNormalize:
		return "normalize"
	case PhaseEnrich:
		return "enrich"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase maps a phase name from the command line to its Phase.
func ParsePhase(name string) (Phase, error) {
	switch name {
	case "ingest":
		return PhaseIngest, nil
	case "normalize":
		return PhaseNormalize, nil
	case "enrich":
		return PhaseEnrich, nil
	default:
		return 0, fmt.Errorf("unknown phase %q (want ingest, normalize, or enrich)", name)
	}
}

// Pipeline runs the catalog ETL. Every phase reads its input from the
// durable store written by the previous phase, never from memory, so a
// single phase can be re-run against existing state.
type Pipeline struct {
	config   *Config
	client   *source.Client
	store    *rawstore.Store
	writer   *snapshot.Writer
	run      *audit.Run
	observer Observer

	// now is the clock for enrichment and run stamping.
	now func() time.Time

	state Phase
}

// NewPipeline assembles a pipeline over an open raw store.
func NewPipeline(config *Config, store *rawstore.Store, observer Observer) *Pipeline {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Pipeline{
		config:   config,
		client:   source.NewClient(config.Source),
		store:    store,
		writer:   snapshot.NewWriter(store.DB()),
		observer: observer,
		now:      time.Now,
		state:    PhaseIngest,
	}
}

// State reports the phase the pipeline is in.
func (p *Pipeline) State() Phase {
	return p.state
}

// Run executes the full phase sequence. The first phase error stops the
// run; state transitions to Failed and the error is returned. State
// already durably written by completed phases is kept.
func (p *Pipeline) Run(ctx context.Context) (*audit.Manifest, error) {
	startedAt := p.now().UTC()
	p.run = audit.NewRun(p.config.Artifacts, startedAt)

	manifest := &audit.Manifest{
		Stamp:     p.run.Stamp,
		StartedAt: startedAt,
	}

	for _, phase := range []Phase{PhaseIngest, PhaseNormalize, PhaseEnrich} {
		result, err := p.runPhase(ctx, phase)
		if err != nil {
			p.state = PhaseFailed
			manifest.Status = "failed"
			manifest.CompletedAt = p.now().UTC()
			manifest.Phases = append(manifest.Phases, audit.PhaseResult{
				Phase:      phase.String(),
				DurationMS: 0,
			})
			if werr := p.sealManifest(manifest); werr != nil {
				return manifest, fmt.Errorf("%s phase: %w (manifest write also failed: %v)", phase, err, werr)
			}
			return manifest, fmt.Errorf("%s phase: %w", phase, err)
		}
		manifest.Phases = append(manifest.Phases, result)
	}

	p.state = PhaseDone
	manifest.Status = "done"
	manifest.CompletedAt = p.now().UTC()
	if err := p.sealManifest(manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// RunPhase executes a single phase against existing durable state.
func (p *Pipeline) RunPhase(ctx context.Context, phase Phase) error {
	if p.run == nil {
		p.run = audit.NewRun(p.config.Artifacts, p.now().UTC())
	}
	_, err := p.runPhase(ctx, phase)
	if err != nil {
		p.state = PhaseFailed
		return fmt.Errorf("%s phase: %w", phase, err)
	}
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, phase Phase) (audit.PhaseResult, error) {
	p.state = phase
	p.observer.PhaseStarted(phase)
	start := time.Now()

	var (
		rows    int
		dropped int
		err     error
	)
	switch phase {
	case PhaseIngest:
		rows, err = p.ingest(ctx)
	case PhaseNormalize:
		rows, dropped, err = p.normalize(ctx)
	case PhaseEnrich:
		rows, err = p.enrich(ctx)
	default:
		err = fmt.Errorf("phase %s is not runnable", phase)
	}

	elapsed := time.Since(start)
	if err != nil {
		p.observer.PhaseFailed(phase, err)
		return audit.PhaseResult{}, err
	}
	p.observer.PhaseCompleted(phase, rows, elapsed)
	return audit.PhaseResult{
		Phase:      phase.String(),
		Rows:       rows,
		Dropped:    dropped,
		DurationMS: elapsed.Milliseconds(),
	}, nil
}

// ingest crawls the source page by page until the minimum record
// target is met or the source runs out of data, persists the raw
// artifact, and reconciles the batch into the versioned raw store.
func (p *Pipeline) ingest(ctx context.Context) (int, error) {
	var batch []rawstore.Observation

	for page := 0; ; page++ {
		if p.config.Catalog.PageLimit > 0 && page >= p.config.Catalog.PageLimit {
			break
		}
		if p.config.Catalog.MinItems > 0 && len(batch) >= p.config.Catalog.MinItems {
			break
		}

		fetchStart := time.Now()
		records, _, err := p.client.FetchPage(ctx, page)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		if len(records) == 0 {
			// End of data: a 404 past the last page or an empty page.
			break
		}
		p.observer.PageFetched(page, len(records), time.Since(fetchStart))
		batch = append(batch, records...)
	}

	payloads := make([][]byte, len(batch))
	for i, obs := range batch {
		payloads[i] = obs.Payload
	}
	if err := p.run.WriteRawJSONL(payloads); err != nil {
		return 0, err
	}

	if err := p.store.Absorb(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to absorb batch: %w", err)
	}
	return len(batch), nil
}

// normalize reads the latest raw records from the store, validates and
// flattens them, and replaces the normalized snapshot.
func (p *Pipeline) normalize(ctx context.Context) (int, int, error) {
	latest, err := p.store.Latest(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read latest records: %w", err)
	}

	result := normalize.Normalize(latest)
	p.observer.RecordsDropped(result.Dropped)

	rows, err := p.writer.WriteNormalized(ctx, result.Shows)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to write normalized snapshot: %w", err)
	}

	if err := p.writer.ExportParquet(ctx, snapshot.NormalizedTable, p.run.NormalizedPath()); err != nil {
		return 0, 0, fmt.Errorf("failed to export normalized artifact: %w", err)
	}
	return int(rows), result.Dropped, nil
}

// enrich reads the normalized snapshot back from the store, derives
// per-show fields and genre aggregates, and replaces both snapshots.
func (p *Pipeline) enrich(ctx context.Context) (int, error) {
	shows, err := p.writer.ReadNormalized(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read normalized snapshot: %w", err)
	}

	enriched, stats := enrich.Enrich(shows, p.now().UTC())

	if err := p.writer.WriteEnriched(ctx, enriched, stats); err != nil {
		return 0, fmt.Errorf("failed to write enriched snapshot: %w", err)
	}

	if err := p.writer.ExportParquet(ctx, snapshot.EnrichedTable, p.run.EnrichedPath()); err != nil {
		return 0, fmt.Errorf("failed to export enriched artifact: %w", err)
	}
	if err := p.writer.ExportParquet(ctx, snapshot.GenreStatsTable, p.run.GenreStatsPath()); err != nil {
		return 0, fmt.Errorf("failed to export genre stats artifact: %w", err)
	}
	return len(enriched), nil
}

// sealManifest hashes the run's artifacts and writes the manifest.
func (p *Pipeline) sealManifest(m *audit.Manifest) error {
	for _, path := range []string{
		p.run.RawPath(),
		p.run.NormalizedPath(),
		p.run.EnrichedPath(),
		p.run.GenreStatsPath(),
	} {
		if err := m.AddFile(path); err != nil {
			return err
		}
	}
	if err := m.Write(p.run.ManifestPath()); err != nil {
		return fmt.Errorf("failed to write run manifest: %w", err)
	}
	return nil
}
