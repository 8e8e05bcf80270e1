package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the analysis server counters. Hot-path counters are plain
// atomics exported through GaugeFuncs; per-exercise session counts use a
// CounterVec.
type Metrics struct {
	// Frame pipeline
	FramesRead     atomic.Uint64
	FramesConsumed atomic.Uint64
	FramesNoPose   atomic.Uint64
	FrameErrors    atomic.Uint64
	ProtocolErrors atomic.Uint64
	ResultsEmitted atomic.Uint64

	// Collaborators
	UploadErrors      atomic.Uint64
	StoreErrors       atomic.Uint64
	EstimateLatencyMs atomic.Uint64 // last pose estimate

	// Sessions
	ActiveSessions atomic.Int64
	sessions       *prometheus.CounterVec
	sessionsFailed *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_sessions_total",
			Help: "Analysis sessions started, by test type and mode",
		}, []string{"test_type", "mode"}),
		sessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analysis_sessions_failed_total",
			Help: "Analysis sessions that ended with a fatal error, by mode",
		}, []string{"mode"}),
	}
	m.register()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) register() {
	m.counter("analysis_frames_read_total", "Frames read from a video source or stream", &m.FramesRead)
	m.counter("analysis_frames_consumed_total", "Frames that advanced analyzer state", &m.FramesConsumed)
	m.counter("analysis_frames_no_pose_total", "Frames where no person was detected", &m.FramesNoPose)
	m.counter("analysis_frame_errors_total", "Frames skipped after decode or estimation failure", &m.FrameErrors)
	m.counter("analysis_protocol_errors_total", "Malformed stream lines skipped", &m.ProtocolErrors)
	m.counter("analysis_results_emitted_total", "Results written to a stream", &m.ResultsEmitted)
	m.counter("analysis_upload_errors_total", "Failed analyzed-video uploads", &m.UploadErrors)
	m.counter("analysis_store_errors_total", "Failed result writes", &m.StoreErrors)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "analysis_pose_estimate_latency_ms",
			Help: "Latency of the most recent pose estimate in milliseconds",
		},
		func() float64 { return float64(m.EstimateLatencyMs.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "analysis_active_sessions",
			Help: "Sessions currently running",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))
	m.registry.MustRegister(m.sessions, m.sessionsFailed)
}

// SessionStarted records a new session and returns a func that marks it
// finished. failed reports whether the session ended with a fatal error.
func (m *Metrics) SessionStarted(testType, mode string) func(failed bool) {
	m.sessions.WithLabelValues(testType, mode).Inc()
	m.ActiveSessions.Add(1)
	return func(failed bool) {
		m.ActiveSessions.Add(-1)
		if failed {
			m.sessionsFailed.WithLabelValues(mode).Inc()
		}
	}
}

// ObserveEstimate stores the latency of one pose estimate.
func (m *Metrics) ObserveEstimate(d time.Duration) {
	m.EstimateLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
