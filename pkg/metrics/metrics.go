package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caresync/resilience-core/pkg/breaker"
)

// Metrics holds all Prometheus metrics exposed by the resilience core
type Metrics struct {
	// Circuit breaker metrics
	BreakerState            *prometheus.GaugeVec
	BreakerTransitionsTotal *prometheus.CounterVec
	GuardedCallsTotal       *prometheus.CounterVec

	// Retry metrics
	RetryAttemptsTotal *prometheus.CounterVec

	// Fallback metrics
	FallbackResultsTotal *prometheus.CounterVec

	// Recovery metrics
	RecoveryWorkflowsTotal  *prometheus.CounterVec
	RecoveryDurationSeconds *prometheus.HistogramVec

	// Predictive monitor metrics
	AnomaliesTotal        *prometheus.CounterVec
	AutomatedActionsTotal *prometheus.CounterVec

	// Error handler metrics
	ErrorsTotal *prometheus.CounterVec

	// Health metrics
	HealthCheckStatus *prometheus.GaugeVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "resilience",
		Enabled:   true,
	}
}

// New creates and registers all Prometheus metrics on a private registry
func New(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"name"},
		),
		BreakerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"name", "to"},
		),
		GuardedCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "guarded_calls_total",
				Help:      "Total number of calls through circuit breakers",
			},
			[]string{"name", "outcome"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"outcome"},
		),
		FallbackResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "fallback_results_total",
				Help:      "Total number of fallback framework results by tier method",
			},
			[]string{"service", "method"},
		),
		RecoveryWorkflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "recovery_workflows_total",
				Help:      "Total number of recovery workflow executions",
			},
			[]string{"workflow", "status"},
		),
		RecoveryDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery workflow duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow"},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "anomalies_total",
				Help:      "Total number of detected anomalies",
			},
			[]string{"service", "type", "severity"},
		),
		AutomatedActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "automated_actions_total",
				Help:      "Total number of automated recovery actions",
			},
			[]string{"service", "action", "status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"category", "severity"},
		),
		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "health_check_status",
				Help:      "Health check status (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"check"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.BreakerState,
		m.BreakerTransitionsTotal,
		m.GuardedCallsTotal,
		m.RetryAttemptsTotal,
		m.FallbackResultsTotal,
		m.RecoveryWorkflowsTotal,
		m.RecoveryDurationSeconds,
		m.AnomaliesTotal,
		m.AutomatedActionsTotal,
		m.ErrorsTotal,
		m.HealthCheckStatus,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics registry
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreakerState records a breaker snapshot
func (m *Metrics) ObserveBreakerState(snapshot breaker.Snapshot) {
	if m.BreakerState == nil {
		return
	}
	var value float64
	switch snapshot.State {
	case breaker.StateOpen.String():
		value = 1
	case breaker.StateHalfOpen.String():
		value = 2
	}
	m.BreakerState.WithLabelValues(snapshot.Name).Set(value)
}

// BreakerStateChangeHook returns an OnStateChange callback that records
// transitions, suitable for breaker.Config
func (m *Metrics) BreakerStateChangeHook() func(name string, from, to breaker.State) {
	return func(name string, from, to breaker.State) {
		if m.BreakerTransitionsTotal == nil {
			return
		}
		m.BreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
		m.ObserveBreakerState(breaker.Snapshot{Name: name, State: to.String()})
	}
}

// BreakerCallHook returns an OnCall callback that records guarded call
// outcomes, suitable for breaker.Config
func (m *Metrics) BreakerCallHook() func(name, outcome string) {
	return func(name, outcome string) {
		if m.GuardedCallsTotal == nil {
			return
		}
		m.GuardedCallsTotal.WithLabelValues(name, outcome).Inc()
	}
}

// ObserveRetryAttempts records the attempts spent on one retried operation
func (m *Metrics) ObserveRetryAttempts(outcome string, attempts int) {
	if m.RetryAttemptsTotal == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(outcome).Add(float64(attempts))
}

// ObserveFallback records which method served a guarded call: "primary",
// a tier method, or "exhausted"
func (m *Metrics) ObserveFallback(service, method string) {
	if m.FallbackResultsTotal == nil {
		return
	}
	m.FallbackResultsTotal.WithLabelValues(service, method).Inc()
}

// ObserveRecovery records the outcome and duration of one workflow
// execution
func (m *Metrics) ObserveRecovery(workflow string, success bool, duration time.Duration) {
	if m.RecoveryWorkflowsTotal == nil {
		return
	}
	status := "failed"
	if success {
		status = "succeeded"
	}
	m.RecoveryWorkflowsTotal.WithLabelValues(workflow, status).Inc()
	m.RecoveryDurationSeconds.WithLabelValues(workflow).Observe(duration.Seconds())
}
