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
		Name: "voice_assistant_active_sessions",
		Help: "Number of running listen sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_session_duration_seconds",
		Help:    "Duration of listen sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 3600},
	})

	// Capture metrics
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_frames_total",
		Help: "Captured audio frames by outcome",
	}, []string{"status"}) // processed, muted, dropped

	markersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_markers_total",
		Help: "Segmentation markers emitted",
	}, []string{"type"})

	noiseFloor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_assistant_noise_floor_rms",
		Help: "Noise profile floor (15th percentile RMS)",
	})

	noiseCeiling = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_assistant_noise_ceiling_rms",
		Help: "Noise profile ceiling (85th percentile RMS)",
	})

	// Utterance metrics
	utterancesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_utterances_total",
		Help: "Utterances by outcome",
	}, []string{"outcome"}) // dispatched, timeout, transport_error, fallback, no_speech

	dispatchRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_dispatch_rule_total",
		Help: "Dispatched transcripts by releasing rule",
	}, []string{"rule"})

	speechDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_speech_duration_seconds",
		Help:    "Length of segmented utterances in seconds",
		Buckets: []float64{0.5, 1, 2, 3.5, 5, 8},
	})

	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_dispatch_latency_seconds",
		Help:    "Time from speech onset to transcript dispatch",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
	})

	// Playback metrics
	playbackItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_playback_items_total",
		Help: "Playback items by outcome",
	}, []string{"status"}) // played, filtered, synth_error, device_error, stopped

	playbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_assistant_playback_duration_seconds",
		Help:    "Measured duration of synthesized speech",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16},
	})

	ttsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_assistant_tts_active",
		Help: "1 while capture is muted for synthesized speech",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_assistant_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_circuit_breaker_failures_total",
		Help: "Total circuit breaker trips",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_assistant_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (to recognizer) or "out" (synthesized)
)

// Metrics tracks metrics for a single listen session
type Metrics struct {
	sessionID      string
	startTime      time.Time
	utteranceStart time.Time
	muted          bool
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// SessionID returns the session the tracker belongs to
func (m *Metrics) SessionID() string {
	return m.sessionID
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame counts a captured frame by status
func (m *Metrics) RecordFrame(status string) {
	framesTotal.WithLabelValues(status).Inc()
}

// RecordMarker counts a segmentation marker
func (m *Metrics) RecordMarker(marker string) {
	markersTotal.WithLabelValues(marker).Inc()
}

// SetNoiseProfile exports the current noise floor and ceiling
func (m *Metrics) SetNoiseProfile(floor, ceiling float64) {
	noiseFloor.Set(floor)
	noiseCeiling.Set(ceiling)
}

// RecordUtteranceStart marks speech onset
func (m *Metrics) RecordUtteranceStart(at time.Time) {
	m.mu.Lock()
	m.utteranceStart = at
	m.mu.Unlock()
}

// RecordSpeechDuration observes the length of a segmented utterance
func (m *Metrics) RecordSpeechDuration(d time.Duration) {
	speechDuration.Observe(d.Seconds())
}

// RecordUtteranceEnd counts an utterance outcome
func (m *Metrics) RecordUtteranceEnd(outcome string) {
	m.mu.Lock()
	m.utteranceStart = time.Time{}
	m.mu.Unlock()
	utterancesTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch records the rule that released a transcript at the given
// time and the latency since onset
func (m *Metrics) RecordDispatch(rule string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.utteranceStart.IsZero() && !at.Before(m.utteranceStart) {
		dispatchLatency.Observe(at.Sub(m.utteranceStart).Seconds())
	}
	dispatchRules.WithLabelValues(rule).Inc()
}

// RecordPlayback counts a playback item by status
func (m *Metrics) RecordPlayback(status string, d time.Duration) {
	playbackItems.WithLabelValues(status).Inc()
	if d > 0 {
		playbackDuration.Observe(d.Seconds())
	}
}

// SetTTSActive exports the duplex mute state
func (m *Metrics) SetTTSActive(active bool) {
	m.mu.Lock()
	m.muted = active
	m.mu.Unlock()
	if active {
		ttsActive.Set(1)
		return
	}
	ttsActive.Set(0)
}

// UtteranceStart returns the onset of the open utterance, zero when none is open
func (m *Metrics) UtteranceStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.utteranceStart
}

// TTSActive returns the last exported mute state
func (m *Metrics) TTSActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
