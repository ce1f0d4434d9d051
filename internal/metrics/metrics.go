// Package metrics exposes console pipeline counters to Prometheus.
package metrics

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all console metrics
type Metrics struct {
	// Sampler tick outcomes
	FramesSent         atomic.Uint64
	FramesNotOpen      atomic.Uint64
	FramesNoFrame      atomic.Uint64
	FramesDropped      atomic.Uint64
	FramesEncodeFailed atomic.Uint64

	// Inbound analyzer traffic
	BatchesApplied    atomic.Uint64
	MessagesMalformed atomic.Uint64
	AnalyzerErrors    atomic.Uint64

	// Session lifecycle
	SessionsStarted atomic.Uint64
	SessionsLost    atomic.Uint64
	Analyzing       atomic.Uint64 // 0 = stopped, 1 = analyzing

	// Latest combined score, stored as float64 bits
	combinedBits atomic.Uint64

	sessionsByMode *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name, help string
		value      *atomic.Uint64
	}{
		{"console_frames_sent_total", "Frames handed to the analyzer session", &m.FramesSent},
		{"console_frames_skipped_not_open_total", "Sampling ticks skipped because the session was not open", &m.FramesNotOpen},
		{"console_frames_skipped_no_frame_total", "Sampling ticks skipped because no frame was available", &m.FramesNoFrame},
		{"console_frames_dropped_total", "Frames rejected by the session", &m.FramesDropped},
		{"console_frames_encode_failed_total", "Frames that failed to encode", &m.FramesEncodeFailed},
		{"console_batches_applied_total", "Detection batches applied to the overlay", &m.BatchesApplied},
		{"console_messages_malformed_total", "Inbound analyzer messages discarded as malformed", &m.MessagesMalformed},
		{"console_analyzer_errors_total", "Error messages reported by the analyzer", &m.AnalyzerErrors},
		{"console_sessions_started_total", "Analyzer sessions started", &m.SessionsStarted},
		{"console_sessions_lost_total", "Analyzer sessions closed without a local stop", &m.SessionsLost},
		{"console_analyzing", "Analysis active (0=stopped, 1=analyzing)", &m.Analyzing},
	}

	for _, g := range gauges {
		value := g.value
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(value.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "console_combined_score",
			Help: "Latest combined authenticity score",
		},
		m.CombinedScore,
	))

	m.sessionsByMode = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "console_sessions_by_mode_total",
			Help: "Analyzer sessions started per mode",
		},
		[]string{"mode"},
	)
	m.registry.MustRegister(m.sessionsByMode)
}

// RecordTick counts a sampler tick outcome by its name
func (m *Metrics) RecordTick(outcome string) {
	switch outcome {
	case "sent":
		m.FramesSent.Add(1)
	case "not_open":
		m.FramesNotOpen.Add(1)
	case "no_frame":
		m.FramesNoFrame.Add(1)
	case "dropped":
		m.FramesDropped.Add(1)
	case "encode_failed":
		m.FramesEncodeFailed.Add(1)
	}
}

// SessionStarted counts a new session for mode
func (m *Metrics) SessionStarted(mode string) {
	m.SessionsStarted.Add(1)
	m.sessionsByMode.WithLabelValues(mode).Inc()
}

// SetAnalyzing updates the analyzing gauge
func (m *Metrics) SetAnalyzing(on bool) {
	if on {
		m.Analyzing.Store(1)
	} else {
		m.Analyzing.Store(0)
	}
}

// SetCombinedScore stores the latest combined score
func (m *Metrics) SetCombinedScore(v float64) {
	m.combinedBits.Store(math.Float64bits(v))
}

// CombinedScore returns the latest combined score
func (m *Metrics) CombinedScore() float64 {
	return math.Float64frombits(m.combinedBits.Load())
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
