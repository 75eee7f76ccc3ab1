package main

import (
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/showlake-ingestion/metrics"
	"github.com/withobsrvr/showlake-ingestion/rawstore"
	"github.com/withobsrvr/showlake-ingestion/snapshot"
)

// Observer receives pipeline lifecycle events. The pipeline reports
// through this interface instead of holding a logger, so callers can
// attach logging, metrics, or both.
type Observer interface {
	PhaseStarted(phase Phase)
	PhaseCompleted(phase Phase, rows int, elapsed time.Duration)
	PhaseFailed(phase Phase, err error)
	PageFetched(page, records int, elapsed time.Duration)
	RecordsDropped(count int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) PhaseStarted(Phase)                       {}
func (NopObserver) PhaseCompleted(Phase, int, time.Duration) {}
func (NopObserver) PhaseFailed(Phase, error)                 {}
func (NopObserver) PageFetched(int, int, time.Duration)      {}
func (NopObserver) RecordsDropped(int)                       {}

// LogObserver writes pipeline events to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) PhaseStarted(phase Phase) {
	o.logger.Info("Phase started", zap.String("phase", phase.String()))
}

func (o *LogObserver) PhaseCompleted(phase Phase, rows int, elapsed time.Duration) {
	o.logger.Info("Phase completed",
		zap.String("phase", phase.String()),
		zap.Int("rows", rows),
		zap.Duration("elapsed", elapsed))
}

func (o *LogObserver) PhaseFailed(phase Phase, err error) {
	o.logger.Error("Phase failed",
		zap.String("phase", phase.String()),
		zap.Error(err))
}

func (o *LogObserver) PageFetched(page, records int, elapsed time.Duration) {
	o.logger.Debug("Page fetched",
		zap.Int("page", page),
		zap.Int("records", records),
		zap.Duration("elapsed", elapsed))
}

func (o *LogObserver) RecordsDropped(count int) {
	if count > 0 {
		o.logger.Warn("Records dropped during normalization", zap.Int("dropped", count))
	}
}

// MetricsObserver forwards pipeline events to Prometheus metrics.
type MetricsObserver struct {
	metrics *metrics.Metrics
}

func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) PhaseStarted(phase Phase) {
	o.metrics.SetCurrentPhase(int(phase))
}

func (o *MetricsObserver) PhaseCompleted(phase Phase, rows int, elapsed time.Duration) {
	o.metrics.RecordPhaseRun(phase.String(), true)
	o.metrics.RecordPhaseDuration(phase.String(), elapsed)
	if table, ok := phaseTables[phase]; ok {
		o.metrics.RecordRecordsWritten(table, rows)
	}
	if phase == PhaseIngest {
		o.metrics.SetLatestRows(rows)
	}
}

func (o *MetricsObserver) PhaseFailed(phase Phase, err error) {
	o.metrics.RecordPhaseRun(phase.String(), false)
	o.metrics.RecordError(phase.String())
}

// phaseTables maps each phase to the durable table it writes.
var phaseTables = map[Phase]string{
	PhaseIngest:    rawstore.RawTable,
	PhaseNormalize: snapshot.NormalizedTable,
	PhaseEnrich:    snapshot.EnrichedTable,
}

func (o *MetricsObserver) PageFetched(page, records int, elapsed time.Duration) {
	o.metrics.SetCurrentPage(page)
	o.metrics.RecordPageFetched(true)
	o.metrics.RecordFetchDuration(elapsed)
}

func (o *MetricsObserver) RecordsDropped(count int) {
	o.metrics.RecordRecordsDropped(count)
}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (m MultiObserver) PhaseStarted(phase Phase) {
	for _, o := range m {
		o.PhaseStarted(phase)
	}
}

func (m MultiObserver) PhaseCompleted(phase Phase, rows int, elapsed time.Duration) {
	for _, o := range m {
		o.PhaseCompleted(phase, rows, elapsed)
	}
}

func (m MultiObserver) PhaseFailed(phase Phase, err error) {
	for _, o := range m {
		o.PhaseFailed(phase, err)
	}
}

func (m MultiObserver) PageFetched(page, records int, elapsed time.Duration) {
	for _, o := range m {
		o.PageFetched(page, records, elapsed)
	}
}

func (m MultiObserver) RecordsDropped(count int) {
	for _, o := range m {
		o.RecordsDropped(count)
	}
}
