package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/caresync/resilience-core/pkg/breaker"
)

func TestMetrics_BreakerHooks(t *testing.T) {
	m := New(DefaultConfig())

	hook := m.BreakerStateChangeHook()
	hook("payments", breaker.StateClosed, breaker.StateOpen)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerTransitionsTotal.WithLabelValues("payments", "open")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BreakerState.WithLabelValues("payments")))

	call := m.BreakerCallHook()
	call("payments", "rejected")
	call("payments", "rejected")
	call("payments", "success")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.GuardedCallsTotal.WithLabelValues("payments", "rejected")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardedCallsTotal.WithLabelValues("payments", "success")))
}

func TestMetrics_ComponentObservations(t *testing.T) {
	m := New(DefaultConfig())

	m.ObserveRetryAttempts("success", 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.RetryAttemptsTotal.WithLabelValues("success")))

	m.ObserveFallback("inventory", "cached_data")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FallbackResultsTotal.WithLabelValues("inventory", "cached_data")))

	m.ObserveRecovery("warm-inventory", true, 250*time.Millisecond)
	m.ObserveRecovery("warm-inventory", false, time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecoveryWorkflowsTotal.WithLabelValues("warm-inventory", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecoveryWorkflowsTotal.WithLabelValues("warm-inventory", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RecoveryDurationSeconds))
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m := New(&Config{Enabled: false})

	assert.NotPanics(t, func() {
		m.BreakerStateChangeHook()("payments", breaker.StateClosed, breaker.StateOpen)
		m.BreakerCallHook()("payments", "success")
		m.ObserveRetryAttempts("success", 1)
		m.ObserveFallback("inventory", "primary")
		m.ObserveRecovery("wf", true, time.Second)
		m.ObserveBreakerState(breaker.Snapshot{Name: "payments", State: "open"})
	})
}
