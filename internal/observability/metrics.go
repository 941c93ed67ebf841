package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcriptor_active_sessions",
		Help: "Number of open websocket sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_sessions_total",
		Help: "Total number of sessions accepted",
	}, []string{"mode"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriptor_session_duration_seconds",
		Help:    "Duration of websocket sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Inference metrics
	inferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriptor_inference_latency_seconds",
		Help:    "Latency of one inference round in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	asrRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_asr_requests_total",
		Help: "Total number of ASR passes",
	}, []string{"status"})

	asrLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcriptor_asr_latency_seconds",
		Help:    "ASR pass latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_finalizations_total",
		Help: "Sentences finalized, by cause",
	}, []string{"reason"})

	hallucinationsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_hallucinations_filtered_total",
		Help: "Transcripts dropped by the hallucination filter",
	}, []string{"stage"})

	packetsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transcriptor_packets_dropped_total",
		Help: "Audio packets skipped because they failed to decode or were truncated",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "transcriptor_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioSamplesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_audio_samples_total",
		Help: "Total audio samples processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// Event publishing
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcriptor_publish_total",
		Help: "Transcript events published",
	}, []string{"topic", "status"})
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	inferenceStart time.Time
	asrStart       time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart(mode string) {
	if m == nil {
		return
	}
	activeSessions.Inc()
	totalSessions.WithLabelValues(mode).Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordInferenceStart records the start of an inference round
func (m *Metrics) RecordInferenceStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.inferenceStart = time.Now()
	m.mu.Unlock()
}

// RecordInferenceEnd records the end of an inference round
func (m *Metrics) RecordInferenceEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inferenceStart.IsZero() {
		inferenceLatency.Observe(time.Since(m.inferenceStart).Seconds())
	}
}

// RecordASRStart records the start of an ASR pass
func (m *Metrics) RecordASRStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.asrStart = time.Now()
	m.mu.Unlock()
}

// RecordASREnd records the end of an ASR pass
func (m *Metrics) RecordASREnd(success bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.asrStart.IsZero() {
		asrLatency.Observe(time.Since(m.asrStart).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	asrRequests.WithLabelValues(status).Inc()
}

// RecordFinalization counts a finalized sentence
func (m *Metrics) RecordFinalization(reason string) {
	if m == nil {
		return
	}
	finalizations.WithLabelValues(reason).Inc()
}

// RecordFiltered counts a transcript dropped by the hallucination filter
func (m *Metrics) RecordFiltered(stage string) {
	if m == nil {
		return
	}
	hallucinationsFiltered.WithLabelValues(stage).Inc()
}

// RecordPacketsDropped counts undecodable or truncated packets
func (m *Metrics) RecordPacketsDropped(n int) {
	if m == nil {
		return
	}
	if n > 0 {
		packetsDropped.Add(float64(n))
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	RecordError(errorType, component)
}

// RecordAudioSamples records audio samples processed
func (m *Metrics) RecordAudioSamples(direction string, n int) {
	if m == nil {
		return
	}
	audioSamplesProcessed.WithLabelValues(direction).Add(float64(n))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPublish records a transcript event publish attempt
func RecordPublish(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	publishTotal.WithLabelValues(topic, status).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
