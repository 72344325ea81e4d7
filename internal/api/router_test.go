package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync/resilience-core/internal/store"
	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/config"
	"github.com/caresync/resilience-core/pkg/fallback"
	"github.com/caresync/resilience-core/pkg/health"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
	"github.com/caresync/resilience-core/pkg/monitor"
	"github.com/caresync/resilience-core/pkg/recovery"
	"github.com/caresync/resilience-core/pkg/retry"
)

type testEnv struct {
	router       *gin.Engine
	breakers     *breaker.Registry
	orchestrator *recovery.Orchestrator
	audit        *store.MemoryAuditSink
	collector    *monitor.Collector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := logging.NewLogger(&logging.Config{Level: "error", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	breakers := breaker.NewRegistry(store.NewMemoryStateStore())
	fallbacks := fallback.NewRegistry(fallback.NewMemoryCache())
	audit := store.NewMemoryAuditSink()
	orchestrator := recovery.NewOrchestrator(breakers, fallbacks, nil, audit)
	autoRecovery := monitor.NewAutomatedRecovery(time.Minute, breakers, orchestrator, nil)
	collector := monitor.NewCollector()
	source := monitor.NewPushSource()
	mon := monitor.New(monitor.DefaultConfig(), source.Sample, collector, autoRecovery, nil)

	router := NewRouter(Deps{
		Config:       &config.Config{},
		Health:       health.NewService(logger, nil),
		Metrics:      metrics.New(metrics.DefaultConfig()),
		Breakers:     breakers,
		Orchestrator: orchestrator,
		Collector:    collector,
		AutoRecovery: autoRecovery,
		SampleSource: source,
		Monitor:      mon,
		Audit:        audit,
	})

	return &testEnv{
		router:       router,
		breakers:     breakers,
		orchestrator: orchestrator,
		audit:        audit,
		collector:    collector,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, *APIResponse) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var response APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response),
		"response body is not an API envelope: %s", w.Body.String())
	return w, &response
}

func TestRouter_HealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequestIDPropagation(t *testing.T) {
	env := newTestEnv(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil)
	req.Header.Set("X-Request-ID", "req-42")
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	var response APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "req-42", response.RequestID)
}

func TestRouter_BreakerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.breakers.GetOrCreate("payments", breaker.DefaultConfig())

	w, response := env.do(t, http.MethodGet, "/api/v1/breakers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, response)
	assert.True(t, response.Success)

	states := response.Data.(map[string]interface{})
	require.Contains(t, states, "payments")

	w, response = env.do(t, http.MethodGet, "/api/v1/breakers/payments", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	snapshot := response.Data.(map[string]interface{})
	assert.Equal(t, "closed", snapshot["state"])

	w, _ = env.do(t, http.MethodGet, "/api/v1/breakers/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, response = env.do(t, http.MethodPost, "/api/v1/breakers/payments/open", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	snapshot = response.Data.(map[string]interface{})
	assert.Equal(t, "open", snapshot["state"])

	w, response = env.do(t, http.MethodPost, "/api/v1/breakers/payments/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	snapshot = response.Data.(map[string]interface{})
	assert.Equal(t, "closed", snapshot["state"])
}

func TestRouter_WorkflowExecution(t *testing.T) {
	env := newTestEnv(t)

	env.orchestrator.RegisterAction("noop", func(ctx context.Context, step recovery.Step) (interface{}, error) {
		return "done", nil
	})
	require.NoError(t, env.orchestrator.RegisterWorkflow(&recovery.Workflow{
		ID:      "restore-payments",
		Trigger: recovery.TriggerManual,
		Service: "payments",
		Steps: []recovery.Step{
			{
				Name:   "probe",
				Action: recovery.ActionRetry,
				Params: &recovery.RetryParams{
					Retry: retry.Config{MaxAttempts: 1},
					Probe: func(ctx context.Context) (interface{}, error) { return "up", nil },
				},
				SuccessCriteria: func(v interface{}) bool { return v == "up" },
			},
			{Name: "noop", Action: "noop", Params: &recovery.ExtensionParams{}},
		},
	}))

	// The catalog renders even though steps carry probe and criteria funcs
	w, response := env.do(t, http.MethodGet, "/api/v1/workflows", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	workflows := response.Data.([]interface{})
	require.Len(t, workflows, 1)
	entry := workflows[0].(map[string]interface{})
	assert.Equal(t, "restore-payments", entry["id"])
	steps := entry["steps"].([]interface{})
	require.Len(t, steps, 2)
	assert.Equal(t, "retry", steps[0].(map[string]interface{})["action"])
	assert.Equal(t, "noop", steps[1].(map[string]interface{})["name"])

	w, response = env.do(t, http.MethodPost, "/api/v1/workflows/restore-payments/execute", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	result := response.Data.(map[string]interface{})
	assert.Equal(t, true, result["success"])

	w, _ = env.do(t, http.MethodPost, "/api/v1/workflows/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The execution was audited and shows up in history
	w, response = env.do(t, http.MethodGet, "/api/v1/recoveries/payments", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	history := response.Data.([]interface{})
	assert.Len(t, history, 1)
}

func TestRouter_TriggerRecovery(t *testing.T) {
	env := newTestEnv(t)

	// No workflow registered for this service and trigger
	w, response := env.do(t, http.MethodPost, "/api/v1/recoveries/trigger", map[string]string{
		"service": "payments",
		"trigger": "circuit_open",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	payload := response.Data.(map[string]interface{})
	assert.Equal(t, false, payload["matched"])

	// Missing fields are rejected
	w, _ = env.do(t, http.MethodPost, "/api/v1/recoveries/trigger", map[string]string{
		"service": "payments",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_SampleIngestAndWindow(t *testing.T) {
	env := newTestEnv(t)

	w, response := env.do(t, http.MethodPost, "/api/v1/services/payments/samples", map[string]interface{}{
		"error_rate":     0.02,
		"p99_latency_ms": 120,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, response.Success)

	// Pushed samples sit in the source until the monitor tick consumes
	// them; the window endpoint reads the collector directly
	env.collector.Record(&monitor.Sample{Service: "payments", ErrorRate: 0.02})

	w, response = env.do(t, http.MethodGet, "/api/v1/services/payments/window", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	window := response.Data.([]interface{})
	assert.Len(t, window, 1)

	w, response = env.do(t, http.MethodGet, "/api/v1/services/payments/trend?metric=error_rate", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	trend := response.Data.(map[string]interface{})
	assert.Equal(t, "stable", trend["trend"])

	w, response = env.do(t, http.MethodGet, "/api/v1/services/payments/actions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	w, response := env.do(t, http.MethodGet, "/api/v1/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, response)
	assert.False(t, response.Success)
	assert.Equal(t, "NOT_FOUND", response.Error.Code)
}
