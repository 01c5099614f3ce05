package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Skiff orchestration core.
type Metrics struct {
	config MetricsConfig

	// Command metrics
	commandsReceived *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	// Deployment step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Provider metrics
	providerCalls  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec

	// Deletion metrics
	deletionsTotal *prometheus.CounterVec

	// System metrics
	activeCommands  prometheus.Gauge
	trackedResources prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all recording methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_received_total",
				Help:      "Total number of commands received, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_steps_total",
				Help:      "Total number of deployment steps executed, by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_step_duration_seconds",
				Help:      "Deployment step duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls, by operation",
			},
			[]string{"operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider API errors, by operation and class",
			},
			[]string{"operation", "class"},
		),
		deletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletions_total",
				Help:      "Total number of resource deletions, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		activeCommands: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_commands",
				Help:      "Number of commands currently being handled",
			},
		),
		trackedResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_resources",
				Help:      "Number of resources currently in the tracker",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.commandsReceived,
		m.commandDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.providerCalls,
		m.providerErrors,
		m.deletionsTotal,
		m.activeCommands,
		m.trackedResources,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordCommand records a handled command with its outcome and duration.
func (m *Metrics) RecordCommand(kind, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.commandsReceived.WithLabelValues(kind, outcome).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordStep records a deployment step execution.
func (m *Metrics) RecordStep(step, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordProviderCall records a provider API call.
func (m *Metrics) RecordProviderCall(operation string) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(operation).Inc()
}

// RecordProviderError records a provider API error with its classification.
func (m *Metrics) RecordProviderError(operation, class string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(operation, class).Inc()
}

// RecordDeletion records a resource deletion attempt.
func (m *Metrics) RecordDeletion(kind, outcome string) {
	if m.registry == nil {
		return
	}
	m.deletionsTotal.WithLabelValues(kind, outcome).Inc()
}

// CommandStarted increments the active command gauge.
func (m *Metrics) CommandStarted() {
	if m.registry == nil {
		return
	}
	m.activeCommands.Inc()
}

// CommandFinished decrements the active command gauge.
func (m *Metrics) CommandFinished() {
	if m.registry == nil {
		return
	}
	m.activeCommands.Dec()
}

// SetTrackedResources sets the tracked resource gauge.
func (m *Metrics) SetTrackedResources(n int) {
	if m.registry == nil {
		return
	}
	m.trackedResources.Set(float64(n))
}

// StartServer starts the metrics HTTP server in a background goroutine.
func (m *Metrics) StartServer() error {
	if m.registry == nil {
		return nil
	}

	mux := http.NewServeMux()
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The server failing is not fatal for orchestration.
			_ = err
		}
	}()

	return nil
}

// Shutdown stops the metrics HTTP server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
