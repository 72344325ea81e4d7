package api

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/monitor"
	"github.com/caresync/resilience-core/pkg/recovery"
)

// AuditReader serves recovery execution history, backed by either the
// Postgres or the in-memory audit sink
type AuditReader interface {
	RecentByService(ctx context.Context, service string, limit int) ([]*recovery.Result, error)
}

// BreakerHandler serves circuit breaker state and operator overrides
type BreakerHandler struct {
	registry *breaker.Registry
}

// NewBreakerHandler creates a breaker handler
func NewBreakerHandler(registry *breaker.Registry) *BreakerHandler {
	return &BreakerHandler{registry: registry}
}

// List returns a snapshot of every registered circuit
func (h *BreakerHandler) List(c *gin.Context) {
	SuccessResponse(c, h.registry.AllStates())
}

// Get returns one circuit's snapshot
func (h *BreakerHandler) Get(c *gin.Context) {
	name := c.Param("name")
	cb, ok := h.registry.Get(name)
	if !ok {
		NotFoundResponse(c, fmt.Sprintf("circuit '%s' not found", name))
		return
	}
	SuccessResponse(c, cb.Snapshot())
}

// Reset forces a circuit closed
func (h *BreakerHandler) Reset(c *gin.Context) {
	name := c.Param("name")
	cb, ok := h.registry.Get(name)
	if !ok {
		NotFoundResponse(c, fmt.Sprintf("circuit '%s' not found", name))
		return
	}
	cb.Reset()
	SuccessResponse(c, cb.Snapshot())
}

// Open forces a circuit open
func (h *BreakerHandler) Open(c *gin.Context) {
	name := c.Param("name")
	cb, ok := h.registry.Get(name)
	if !ok {
		NotFoundResponse(c, fmt.Sprintf("circuit '%s' not found", name))
		return
	}
	cb.ForceOpen()
	SuccessResponse(c, cb.Snapshot())
}

// RecoveryHandler serves workflow execution and history
type RecoveryHandler struct {
	orchestrator *recovery.Orchestrator
	audit        AuditReader
}

// NewRecoveryHandler creates a recovery handler. The audit reader may be
// nil when no audit storage is configured.
func NewRecoveryHandler(orchestrator *recovery.Orchestrator, audit AuditReader) *RecoveryHandler {
	return &RecoveryHandler{orchestrator: orchestrator, audit: audit}
}

// ListWorkflows returns the registered workflow catalog as its
// serializable summary view
func (h *RecoveryHandler) ListWorkflows(c *gin.Context) {
	workflows := h.orchestrator.Workflows()
	catalog := make([]recovery.WorkflowSummary, 0, len(workflows))
	for _, wf := range workflows {
		catalog = append(catalog, wf.Summary())
	}
	SuccessResponse(c, catalog)
}

// Execute runs a workflow by id
func (h *RecoveryHandler) Execute(c *gin.Context) {
	result, err := h.orchestrator.ExecuteWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			ErrorResponse(c, err)
			return
		}
		// Step failures still carry the execution record
		SuccessResponse(c, gin.H{"result": result, "error": err.Error()})
		return
	}
	SuccessResponse(c, result)
}

type triggerRequest struct {
	Service string `json:"service" binding:"required"`
	Trigger string `json:"trigger" binding:"required"`
}

// Trigger finds and runs the best workflow for a service and trigger
func (h *RecoveryHandler) Trigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, err.Error())
		return
	}

	result, err := h.orchestrator.TriggerRecovery(c.Request.Context(), req.Service, recovery.Trigger(req.Trigger))
	if err != nil {
		SuccessResponse(c, gin.H{"result": result, "error": err.Error()})
		return
	}
	if result == nil {
		SuccessResponse(c, gin.H{"matched": false})
		return
	}
	SuccessResponse(c, result)
}

// History returns recent executions for a service
func (h *RecoveryHandler) History(c *gin.Context) {
	if h.audit == nil {
		SuccessResponse(c, []*recovery.Result{})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	results, err := h.audit.RecentByService(c.Request.Context(), c.Param("service"), limit)
	if err != nil {
		ErrorResponse(c, err)
		return
	}
	SuccessResponse(c, results)
}

// MonitorHandler serves the predictive monitor's sample ingest, windows,
// trends and automated action history
type MonitorHandler struct {
	collector *monitor.Collector
	recovery  *monitor.AutomatedRecovery
	source    *monitor.PushSource
	monitor   *monitor.Monitor
}

// NewMonitorHandler creates a monitor handler. The source and monitor may
// be nil when sample ingest is disabled.
func NewMonitorHandler(collector *monitor.Collector, autoRecovery *monitor.AutomatedRecovery, source *monitor.PushSource, mon *monitor.Monitor) *MonitorHandler {
	return &MonitorHandler{
		collector: collector,
		recovery:  autoRecovery,
		source:    source,
		monitor:   mon,
	}
}

// Ingest accepts a pushed metrics sample for a service. The first sample
// for a service starts tracking it.
func (h *MonitorHandler) Ingest(c *gin.Context) {
	if h.source == nil {
		BadRequestResponse(c, "sample ingest is disabled")
		return
	}

	var sample monitor.Sample
	if err := c.ShouldBindJSON(&sample); err != nil {
		BadRequestResponse(c, err.Error())
		return
	}
	sample.Service = c.Param("service")

	h.source.Push(&sample)
	if h.monitor != nil {
		h.monitor.Track(sample.Service)
	}
	SuccessResponse(c, gin.H{"accepted": true})
}

// Services lists services with recorded samples
func (h *MonitorHandler) Services(c *gin.Context) {
	SuccessResponse(c, h.collector.Services())
}

// Window returns a service's sample window, oldest first
func (h *MonitorHandler) Window(c *gin.Context) {
	SuccessResponse(c, h.collector.Window(c.Param("service")))
}

// Trend returns the direction of one metric over the window
func (h *MonitorHandler) Trend(c *gin.Context) {
	metric := monitor.Metric(c.DefaultQuery("metric", string(monitor.MetricErrorRate)))
	service := c.Param("service")
	SuccessResponse(c, gin.H{
		"service": service,
		"metric":  string(metric),
		"trend":   h.collector.DetectTrend(service, metric),
		"average": h.collector.Average(service, metric),
	})
}

// Actions returns the automated recovery history for a service
func (h *MonitorHandler) Actions(c *gin.Context) {
	if h.recovery == nil {
		SuccessResponse(c, []monitor.ActionRecord{})
		return
	}
	SuccessResponse(c, h.recovery.History(c.Param("service")))
}
