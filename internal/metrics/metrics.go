// Package metrics exposes Prometheus collectors for recordings and storage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	activeRecordings  prometheus.Gauge
	recordingsStarted prometheus.Counter
	startRejections   *prometheus.CounterVec
	processExits      *prometheus.CounterVec
	filesDeleted      *prometheus.CounterVec
	bytesReclaimed    *prometheus.CounterVec
	streamBytes       *prometheus.GaugeVec
	sweepErrors       *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		activeRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamvault_active_recordings",
			Help: "Number of recording processes currently running",
		}),
		recordingsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamvault_recordings_started_total",
			Help: "Total number of recording processes launched",
		}),
		startRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_recording_rejections_total",
			Help: "Recording start requests rejected, by reason",
		}, []string{"reason"}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_process_exits_total",
			Help: "Recording process exits, by outcome",
		}, []string{"outcome"}),
		filesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_files_deleted_total",
			Help: "Recording files deleted, by reason",
		}, []string{"reason"}),
		bytesReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_bytes_reclaimed_total",
			Help: "Bytes freed by deleting recordings, by reason",
		}, []string{"reason"}),
		streamBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamvault_stream_bytes",
			Help: "Bytes used by each stream's recordings at the last scan",
		}, []string{"stream"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamvault_sweep_errors_total",
			Help: "Errors encountered during scheduled sweeps, by sweep",
		}, []string{"sweep"}),
	}

	registry.MustRegister(
		m.activeRecordings,
		m.recordingsStarted,
		m.startRejections,
		m.processExits,
		m.filesDeleted,
		m.bytesReclaimed,
		m.streamBytes,
		m.sweepErrors,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetActiveRecordings sets the active recordings gauge.
func (m *Metrics) SetActiveRecordings(n int) {
	if m == nil {
		return
	}
	m.activeRecordings.Set(float64(n))
}

// IncRecordingsStarted counts a launched recording.
func (m *Metrics) IncRecordingsStarted() {
	if m == nil {
		return
	}
	m.recordingsStarted.Inc()
}

// IncRejections counts a rejected start.
func (m *Metrics) IncRejections(reason string) {
	if m == nil {
		return
	}
	m.startRejections.WithLabelValues(reason).Inc()
}

// IncProcessExits counts a process exit; outcome is "stopped", "completed"
// or "failed".
func (m *Metrics) IncProcessExits(outcome string) {
	if m == nil {
		return
	}
	m.processExits.WithLabelValues(outcome).Inc()
}

// AddDeleted counts one deleted file of size bytes.
func (m *Metrics) AddDeleted(reason string, bytes int64) {
	if m == nil {
		return
	}
	m.filesDeleted.WithLabelValues(reason).Inc()
	m.bytesReclaimed.WithLabelValues(reason).Add(float64(bytes))
}

// SetStreamBytes records the scanned size of a stream.
func (m *Metrics) SetStreamBytes(stream string, bytes int64) {
	if m == nil {
		return
	}
	m.streamBytes.WithLabelValues(stream).Set(float64(bytes))
}

// IncSweepErrors counts a failed step of a sweep.
func (m *Metrics) IncSweepErrors(sweep string) {
	if m == nil {
		return
	}
	m.sweepErrors.WithLabelValues(sweep).Inc()
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
