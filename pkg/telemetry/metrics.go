package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Command submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeBusy     = "busy"
	OutcomeRejected = "rejected"
)

// Metrics provides Prometheus metrics for mission execution.
// A nil *Metrics, or one built from a disabled config, records nothing.
type Metrics struct {
	config MetricsConfig

	// Mission metrics
	missionsStarted  prometheus.Counter
	missionsFinished prometheus.Counter
	missionDuration  prometheus.Histogram

	// Strand metrics
	strandsCreated   prometheus.Counter
	liveStrands      prometheus.Gauge
	stateTransitions *prometheus.CounterVec

	// Command metrics
	commands *prometheus.CounterVec

	// Leaf metrics
	leafExecutions *prometheus.CounterVec
	leafDuration   *prometheus.HistogramVec

	// Error metrics
	engineErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		missionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missions_started_total",
			Help:      "Total number of mission executions started",
		}),
		missionsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missions_finished_total",
			Help:      "Total number of mission executions that reached the end of their tree",
		}),
		missionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mission_duration_seconds",
			Help:      "Wall clock duration of finished missions in seconds",
			Buckets:   buckets,
		}),

		strandsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strands_created_total",
			Help:      "Total number of strand executors created",
		}),
		liveStrands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_strands",
			Help:      "Current number of strand executors that have not finished",
		}),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strand_state_transitions_total",
				Help:      "Total number of observable run state changes by target state",
			},
			[]string{"state"},
		),

		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of strand commands by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		leafExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leaf_executions_total",
				Help:      "Total number of leaf executions by result",
			},
			[]string{"result"},
		),
		leafDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "leaf_duration_seconds",
				Help:      "Duration of leaf executions in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		engineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Total number of errors published on strand error streams",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.missionsStarted,
		m.missionsFinished,
		m.missionDuration,
		m.strandsCreated,
		m.liveStrands,
		m.stateTransitions,
		m.commands,
		m.leafExecutions,
		m.leafDuration,
		m.engineErrors,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Mission Metrics

// RecordMissionStarted increments the counter for started missions.
func (m *Metrics) RecordMissionStarted() {
	if !m.enabled() {
		return
	}
	m.missionsStarted.Inc()
}

// RecordMissionFinished records a finished mission and its duration.
func (m *Metrics) RecordMissionFinished(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.missionsFinished.Inc()
	m.missionDuration.Observe(duration.Seconds())
}

// Strand Metrics

// RecordStrandCreated records a new strand executor.
func (m *Metrics) RecordStrandCreated() {
	if !m.enabled() {
		return
	}
	m.strandsCreated.Inc()
	m.liveStrands.Inc()
}

// RecordStrandFinished records a strand executor reaching its terminal state.
func (m *Metrics) RecordStrandFinished() {
	if !m.enabled() {
		return
	}
	m.liveStrands.Dec()
}

// RecordStateTransition records an observable run state change.
func (m *Metrics) RecordStateTransition(state string) {
	if !m.enabled() {
		return
	}
	m.stateTransitions.WithLabelValues(state).Inc()
}

// Command Metrics

// RecordCommand records a command submission or rejection.
func (m *Metrics) RecordCommand(command, outcome string) {
	if !m.enabled() {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

// Leaf Metrics

// RecordLeafExecution records a leaf execution with its result and duration.
func (m *Metrics) RecordLeafExecution(result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.leafExecutions.WithLabelValues(result).Inc()
	m.leafDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// Error Metrics

// RecordEngineError records an error published on a strand error stream.
func (m *Metrics) RecordEngineError(class, code string) {
	if !m.enabled() {
		return
	}
	m.engineErrors.WithLabelValues(class, code).Inc()
}

// Registry returns the underlying registry (nil when metrics are disabled).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
// The returned server can be shut down by the caller; it is nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server, nil
}
