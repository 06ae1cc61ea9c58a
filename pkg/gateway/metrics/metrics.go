// Package metrics exposes Prometheus collectors for live sessions.
//
// Every Record method is safe on a nil *Metrics so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Correction outcomes.
const (
	CorrectionOK       = "ok"
	CorrectionFailed   = "failed"
	CorrectionTimeout  = "timeout"
	CorrectionSkipped  = "skipped"
	CorrectionPassthru = "passthrough"
	// CorrectionSuperseded counts corrections abandoned for a newer utterance.
	CorrectionSuperseded = "superseded"
)

// Synthesis request kinds.
const (
	SynthesisGreeting = "greeting"
	SynthesisReply    = "reply"
	SynthesisFlush    = "flush"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	BargeIns           prometheus.Counter
	Corrections        *prometheus.CounterVec
	CorrectionDuration prometheus.Histogram
	SynthesisRequests  *prometheus.CounterVec
	StaleEvents        *prometheus.CounterVec
	BroadcastFailures  prometheus.Counter
	ProtocolErrors     *prometheus.CounterVec
	InboundAudioBytes  prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxgate"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of registered live sessions",
	})

	stateTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Turn state transitions",
	}, []string{"from", "to"})

	bargeIns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Synthesis flushed because the user spoke",
	})

	corrections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrections_total",
		Help:      "Correction outcomes",
	}, []string{"outcome"})

	correctionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "correction_duration_seconds",
		Help:      "Time from correction request to outcome",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5, 10},
	})

	synthesisRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "synthesis_requests_total",
		Help:      "Commands sent to the synthesizer",
	}, []string{"kind"})

	staleEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_events_total",
		Help:      "Events discarded because they referenced a superseded request",
	}, []string{"event"})

	broadcastFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_failures_total",
		Help:      "Per-destination broadcast delivery failures",
	})

	protocolErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "Malformed inbound client messages",
	}, []string{"code"})

	inboundAudioBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_audio_bytes_total",
		Help:      "Decoded client audio bytes forwarded to the recognizer",
	})

	registry.MustRegister(
		sessionsActive,
		stateTransitions,
		bargeIns,
		corrections,
		correctionDuration,
		synthesisRequests,
		staleEvents,
		broadcastFailures,
		protocolErrors,
		inboundAudioBytes,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		StateTransitions:   stateTransitions,
		BargeIns:           bargeIns,
		Corrections:        corrections,
		CorrectionDuration: correctionDuration,
		SynthesisRequests:  synthesisRequests,
		StaleEvents:        staleEvents,
		BroadcastFailures:  broadcastFailures,
		ProtocolErrors:     protocolErrors,
		InboundAudioBytes:  inboundAudioBytes,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

// RecordCorrection records a correction outcome. A zero duration skips the
// histogram (pass-through and skipped corrections never reach the corrector).
func (m *Metrics) RecordCorrection(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.CorrectionDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordSynthesis(kind string) {
	if m == nil {
		return
	}
	m.SynthesisRequests.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStale(event string) {
	if m == nil {
		return
	}
	m.StaleEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordBroadcastFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BroadcastFailures.Add(float64(n))
}

func (m *Metrics) RecordProtocolError(code string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordInboundAudio(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.InboundAudioBytes.Add(float64(bytes))
}
