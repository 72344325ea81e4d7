package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/caresync/resilience-core/pkg/alerting"
	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/retry"
)

// Trigger identifies the condition a workflow responds to
type Trigger string

const (
	TriggerCircuitOpen       Trigger = "circuit_open"
	TriggerHealthCheckFailed Trigger = "health_check_failed"
	TriggerErrorThreshold    Trigger = "error_threshold"
	TriggerAnomalyDetected   Trigger = "anomaly_detected"
	TriggerManual            Trigger = "manual"
)

// Action identifies what a recovery step does. The built-in set is closed;
// anything else is a host-registered extension.
type Action string

const (
	ActionRetry        Action = "retry"
	ActionFallback     Action = "fallback"
	ActionCircuitBreak Action = "circuit_break"
	ActionScale        Action = "scale"
	ActionRestart      Action = "restart"
	ActionAlert        Action = "alert"
	ActionCacheWarm    Action = "cache_warm"
	ActionReduceLoad   Action = "reduce_load"
)

// FailureAction decides the fate of a workflow when a step fails
type FailureAction string

const (
	FailureContinue FailureAction = "continue"
	FailureAbort    FailureAction = "abort"
	FailureRollback FailureAction = "rollback"
)

// StepParams is the typed per-action configuration of a step. Each action
// carries only the fields it needs, validated at registration time.
type StepParams interface {
	Validate() error
}

// RetryParams re-runs a probe operation with backoff until it succeeds or
// attempts are exhausted
type RetryParams struct {
	Probe func(ctx context.Context) (interface{}, error)
	Retry retry.Config
}

func (p *RetryParams) Validate() error {
	if p.Probe == nil {
		return apperrors.NewValidationError("retry step requires a probe operation")
	}
	return nil
}

// FallbackParams routes an operation through the fallback registry
type FallbackParams struct {
	Service string
	Op      func(ctx context.Context) (interface{}, error)
}

func (p *FallbackParams) Validate() error {
	if p.Service == "" || p.Op == nil {
		return apperrors.NewValidationError("fallback step requires a service and an operation")
	}
	return nil
}

// CircuitBreakParams trips or resets the named dependency's breaker
type CircuitBreakParams struct {
	Service string
	// Open trips the circuit when true, resets it to closed when false
	Open bool
}

func (p *CircuitBreakParams) Validate() error {
	if p.Service == "" {
		return apperrors.NewValidationError("circuit_break step requires a service")
	}
	return nil
}

// AlertParams notifies operators through the injected alert channel
type AlertParams struct {
	Severity alerting.Severity
	Title    string
	Message  string
	Metadata map[string]string
}

func (p *AlertParams) Validate() error {
	if p.Title == "" {
		return apperrors.NewValidationError("alert step requires a title")
	}
	return nil
}

// CacheWarmParams loads fresh data into the fallback result cache
type CacheWarmParams struct {
	Service string
	Loader  func(ctx context.Context) (interface{}, error)
}

func (p *CacheWarmParams) Validate() error {
	if p.Service == "" || p.Loader == nil {
		return apperrors.NewValidationError("cache_warm step requires a service and a loader")
	}
	return nil
}

// ExtensionParams is the free-form configuration for host-registered
// actions (scale, restart, reduce_load and anything host-specific)
type ExtensionParams struct {
	Config map[string]interface{}
}

func (p *ExtensionParams) Validate() error {
	return nil
}

// Step is one ordered unit of a recovery workflow
type Step struct {
	Name   string
	Action Action
	Params StepParams
	// SuccessCriteria, when set, must accept the step's result for the
	// step to count as succeeded
	SuccessCriteria func(interface{}) bool
	FailureAction   FailureAction
	// Timeout bounds the step; the step's work is abandoned, not
	// cancelled, when it loses the race
	Timeout time.Duration
}

// Workflow is a named multi-step recovery procedure registered with the
// orchestrator
type Workflow struct {
	ID            string
	Trigger       Trigger
	Service       string
	Steps         []Step
	RollbackSteps []Step
	Timeout       time.Duration
	Priority      int
}

// StepSummary is the serializable catalog view of a step. Step params
// and criteria funcs cannot survive JSON encoding and are omitted.
type StepSummary struct {
	Name          string        `json:"name"`
	Action        Action        `json:"action"`
	FailureAction FailureAction `json:"failure_action,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// WorkflowSummary is the serializable catalog view of a workflow
type WorkflowSummary struct {
	ID            string        `json:"id"`
	Trigger       Trigger       `json:"trigger"`
	Service       string        `json:"service"`
	Priority      int           `json:"priority"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Steps         []StepSummary `json:"steps"`
	RollbackSteps []StepSummary `json:"rollback_steps,omitempty"`
}

// Summary returns the JSON-safe view of the workflow for catalog endpoints
func (wf *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:            wf.ID,
		Trigger:       wf.Trigger,
		Service:       wf.Service,
		Priority:      wf.Priority,
		Timeout:       wf.Timeout,
		Steps:         summarizeSteps(wf.Steps),
		RollbackSteps: summarizeSteps(wf.RollbackSteps),
	}
}

func summarizeSteps(steps []Step) []StepSummary {
	if len(steps) == 0 {
		return nil
	}
	out := make([]StepSummary, len(steps))
	for i, step := range steps {
		out[i] = StepSummary{
			Name:          step.Name,
			Action:        step.Action,
			FailureAction: step.FailureAction,
			Timeout:       step.Timeout,
		}
	}
	return out
}

// Result is the ephemeral record of one workflow execution, always
// emitted to the audit sink regardless of outcome
type Result struct {
	WorkflowID     string        `json:"workflow_id"`
	ExecutionID    string        `json:"execution_id"`
	Service        string        `json:"service"`
	Trigger        Trigger       `json:"trigger"`
	Success        bool          `json:"success"`
	CompletedSteps int           `json:"completed_steps"`
	TotalSteps     int           `json:"total_steps"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	RolledBack     bool          `json:"rolled_back"`
	StartedAt      time.Time     `json:"started_at"`
}

// AuditSink receives every execution record. Sink failures are logged and
// swallowed by the orchestrator.
type AuditSink interface {
	Append(ctx context.Context, result *Result) error
}

// StepError reports a step failure whose fate was governed by the step's
// FailureAction
type StepError struct {
	WorkflowID string
	StepIndex  int
	StepName   string
	Action     Action
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow '%s' step %d (%s/%s) failed: %v",
		e.WorkflowID, e.StepIndex, e.StepName, e.Action, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
