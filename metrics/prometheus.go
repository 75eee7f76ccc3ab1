// Package metrics provides Prometheus metrics for the catalog pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	PagesFetched   *prometheus.CounterVec
	RecordsWritten *prometheus.CounterVec
	RecordsDropped prometheus.Counter
	PhasesRun      *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec

	// Gauges
	CurrentPage  prometheus.Gauge
	LatestRows   prometheus.Gauge
	CurrentPhase prometheus.Gauge

	// Histograms
	FetchDuration prometheus.Histogram
	PhaseDuration *prometheus.HistogramVec

	// Internal
	registry *prometheus.Registry
	enabled  bool
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

// New creates a new metrics instance.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}

	if !cfg.Enabled {
		return m
	}

	// Counters
	m.PagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "pages_fetched_total",
			Help:      "Total source pages fetched",
		},
		[]string{"status"}, // "success", "error"
	)

	m.RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "records_written_total",
			Help:      "Total rows written by table",
		},
		[]string{"table"},
	)

	m.RecordsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "records_dropped_total",
			Help:      "Total records dropped during normalization",
		},
	)

	m.PhasesRun = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "phases_run_total",
			Help:      "Total phase executions by outcome",
		},
		[]string{"phase", "status"},
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "catalog",
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"type"}, // "source", "store", "snapshot", "audit"
	)

	// Gauges
	m.CurrentPage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catalog",
			Name:      "current_page",
			Help:      "Current source page being fetched",
		},
	)

	m.LatestRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catalog",
			Name:      "latest_rows",
			Help:      "Number of latest raw records in the store",
		},
	)

	m.CurrentPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "catalog",
			Name:      "current_phase",
			Help:      "Ordinal of the phase currently running",
		},
	)

	// Histograms
	m.FetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "catalog",
			Name:      "fetch_duration_seconds",
			Help:      "Time to fetch one source page including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	m.PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "catalog",
			Name:      "phase_duration_seconds",
			Help:      "Time to complete one pipeline phase",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
		[]string{"phase"},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.PagesFetched,
		m.RecordsWritten,
		m.RecordsDropped,
		m.PhasesRun,
		m.ErrorsTotal,
		m.CurrentPage,
		m.LatestRows,
		m.CurrentPhase,
		m.FetchDuration,
		m.PhaseDuration,
	)

	// Also register Go runtime metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return http.ListenAndServe(addr, mux)
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// Helper methods for common operations

// RecordPageFetched increments the page counter.
func (m *Metrics) RecordPageFetched(success bool) {
	if m.enabled && m.PagesFetched != nil {
		status := "success"
		if !success {
			status = "error"
		}
		m.PagesFetched.WithLabelValues(status).Inc()
	}
}

// RecordRecordsWritten increments rows written for a table.
func (m *Metrics) RecordRecordsWritten(table string, count int) {
	if m.enabled && m.RecordsWritten != nil {
		m.RecordsWritten.WithLabelValues(table).Add(float64(count))
	}
}

// RecordRecordsDropped adds to the dropped-record counter.
func (m *Metrics) RecordRecordsDropped(count int) {
	if m.enabled && m.RecordsDropped != nil {
		m.RecordsDropped.Add(float64(count))
	}
}

// RecordPhaseRun increments the phase execution counter.
func (m *Metrics) RecordPhaseRun(phase string, success bool) {
	if m.enabled && m.PhasesRun != nil {
		status := "success"
		if !success {
			status = "error"
		}
		m.PhasesRun.WithLabelValues(phase, status).Inc()
	}
}

// RecordError increments error counter.
func (m *Metrics) RecordError(errorType string) {
	if m.enabled && m.ErrorsTotal != nil {
		m.ErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// SetCurrentPage sets the current page gauge.
func (m *Metrics) SetCurrentPage(page int) {
	if m.enabled && m.CurrentPage != nil {
		m.CurrentPage.Set(float64(page))
	}
}

// SetLatestRows sets the latest raw record gauge.
func (m *Metrics) SetLatestRows(count int) {
	if m.enabled && m.LatestRows != nil {
		m.LatestRows.Set(float64(count))
	}
}

// SetCurrentPhase sets the current phase gauge.
func (m *Metrics) SetCurrentPhase(ordinal int) {
	if m.enabled && m.CurrentPhase != nil {
		m.CurrentPhase.Set(float64(ordinal))
	}
}

// RecordFetchDuration records a page fetch duration.
func (m *Metrics) RecordFetchDuration(duration time.Duration) {
	if m.enabled && m.FetchDuration != nil {
		m.FetchDuration.Observe(duration.Seconds())
	}
}

// RecordPhaseDuration records phase completion time.
func (m *Metrics) RecordPhaseDuration(phase string, duration time.Duration) {
	if m.enabled && m.PhaseDuration != nil {
		m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
	}
}
