package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/caresync/resilience-core/pkg/alerting"
	"github.com/caresync/resilience-core/pkg/breaker"
	apperrors "github.com/caresync/resilience-core/pkg/errors"
	"github.com/caresync/resilience-core/pkg/fallback"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
	"github.com/caresync/resilience-core/pkg/retry"
)

// StepExecutor runs a host-registered extension action
type StepExecutor func(ctx context.Context, step Step) (interface{}, error)

// Orchestrator coordinates named multi-step recovery procedures. It is an
// explicitly constructed service object: the host's composition root wires
// in the breaker registry, fallback registry, alert channel and audit sink.
type Orchestrator struct {
	mutex      sync.RWMutex
	workflows  map[string]*Workflow
	extensions map[Action]StepExecutor

	breakers  *breaker.Registry
	fallbacks *fallback.Registry
	alerts    alerting.Channel
	audit     AuditSink
	metrics   *metrics.Metrics

	// retryDefaults applies to retry steps that carry no explicit config
	retryDefaults retry.Config

	// flight coalesces concurrent executions per target service
	flight singleflight.Group
	logger *logging.Logger
}

// NewOrchestrator creates an orchestrator wired to its collaborators.
// The audit sink and alert channel may be nil, in which case audit records
// and alert steps are logged only.
func NewOrchestrator(breakers *breaker.Registry, fallbacks *fallback.Registry, alerts alerting.Channel, audit AuditSink) *Orchestrator {
	return &Orchestrator{
		workflows:     make(map[string]*Workflow),
		extensions:    make(map[Action]StepExecutor),
		breakers:      breakers,
		fallbacks:     fallbacks,
		alerts:        alerts,
		audit:         audit,
		retryDefaults: retry.DefaultConfig(),
		logger:        logging.GetLogger(),
	}
}

// SetMetrics wires Prometheus instrumentation for workflow executions and
// retry steps. Call once at composition time; may be left unset.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// SetRetryDefaults installs the retry tuning applied to retry steps whose
// params carry no explicit config
func (o *Orchestrator) SetRetryDefaults(config retry.Config) {
	o.retryDefaults = config
}

// RegisterAction installs an executor for a host-specific action. Must be
// called before registering any workflow that uses the action.
func (o *Orchestrator) RegisterAction(action Action, executor StepExecutor) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.extensions[action] = executor
}

// RegisterWorkflow validates the workflow's steps and installs it in the
// catalog. Step configs are checked here, at registration, not at
// execution time.
func (o *Orchestrator) RegisterWorkflow(wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return apperrors.NewValidationError("workflow requires an id")
	}
	if wf.Service == "" {
		return apperrors.NewValidationError("workflow requires a target service")
	}
	if len(wf.Steps) == 0 {
		return apperrors.NewValidationError("workflow requires at least one step")
	}

	for i, step := range wf.Steps {
		if err := o.validateStep(step); err != nil {
			return apperrors.NewValidationError(
				fmt.Sprintf("workflow '%s' step %d invalid: %v", wf.ID, i, err))
		}
	}
	for i, step := range wf.RollbackSteps {
		if err := o.validateStep(step); err != nil {
			return apperrors.NewValidationError(
				fmt.Sprintf("workflow '%s' rollback step %d invalid: %v", wf.ID, i, err))
		}
	}

	o.mutex.Lock()
	o.workflows[wf.ID] = wf
	o.mutex.Unlock()

	o.logger.Info("Recovery workflow registered",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"trigger", string(wf.Trigger),
		"steps", len(wf.Steps),
	)
	return nil
}

func (o *Orchestrator) validateStep(step Step) error {
	switch step.Action {
	case ActionRetry:
		if _, ok := step.Params.(*RetryParams); !ok {
			return fmt.Errorf("retry step requires RetryParams")
		}
	case ActionFallback:
		if _, ok := step.Params.(*FallbackParams); !ok {
			return fmt.Errorf("fallback step requires FallbackParams")
		}
	case ActionCircuitBreak:
		if _, ok := step.Params.(*CircuitBreakParams); !ok {
			return fmt.Errorf("circuit_break step requires CircuitBreakParams")
		}
	case ActionAlert:
		if _, ok := step.Params.(*AlertParams); !ok {
			return fmt.Errorf("alert step requires AlertParams")
		}
	case ActionCacheWarm:
		if _, ok := step.Params.(*CacheWarmParams); !ok {
			return fmt.Errorf("cache_warm step requires CacheWarmParams")
		}
	default:
		o.mutex.RLock()
		_, registered := o.extensions[step.Action]
		o.mutex.RUnlock()
		if !registered {
			return fmt.Errorf("no executor registered for action %q", step.Action)
		}
	}

	if step.Params != nil {
		if err := step.Params.Validate(); err != nil {
			return err
		}
	}

	switch step.FailureAction {
	case "", FailureContinue, FailureAbort, FailureRollback:
	default:
		return fmt.Errorf("unknown failure action %q", step.FailureAction)
	}
	return nil
}

// Workflows returns the registered workflow catalog for monitoring
func (o *Orchestrator) Workflows() []*Workflow {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	list := make([]*Workflow, 0, len(o.workflows))
	for _, wf := range o.workflows {
		list = append(list, wf)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// ExecuteWorkflow runs the identified workflow with single-flight
// semantics per target service: a concurrent caller for the same service
// awaits the in-flight execution's result instead of starting a duplicate.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string) (*Result, error) {
	o.mutex.RLock()
	wf, exists := o.workflows[id]
	o.mutex.RUnlock()

	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("recovery workflow '%s'", id))
	}

	type outcome struct {
		result *Result
		err    error
	}

	v, _, _ := o.flight.Do(wf.Service, func() (interface{}, error) {
		result, err := o.execute(ctx, wf)
		return outcome{result: result, err: err}, nil
	})

	out := v.(outcome)
	return out.result, out.err
}

// TriggerRecovery finds the highest-priority workflow matching the
// service and trigger and executes it. A nil result with nil error means
// no workflow matched; what that implies is the caller's decision.
func (o *Orchestrator) TriggerRecovery(ctx context.Context, service string, trigger Trigger) (*Result, error) {
	o.mutex.RLock()
	var candidates []*Workflow
	for _, wf := range o.workflows {
		if wf.Service == service && wf.Trigger == trigger {
			candidates = append(candidates, wf)
		}
	}
	o.mutex.RUnlock()

	if len(candidates) == 0 {
		o.logger.Debug("No recovery workflow matches",
			"service", service,
			"trigger", string(trigger),
		)
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	return o.ExecuteWorkflow(ctx, candidates[0].ID)
}

func (o *Orchestrator) execute(ctx context.Context, wf *Workflow) (*Result, error) {
	start := time.Now()
	result := &Result{
		WorkflowID:  wf.ID,
		ExecutionID: uuid.New().String(),
		Service:     wf.Service,
		Trigger:     wf.Trigger,
		TotalSteps:  len(wf.Steps),
		StartedAt:   start,
	}

	if wf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wf.Timeout)
		defer cancel()
	}

	o.logger.Info("Recovery workflow started",
		"workflow_id", wf.ID,
		"execution_id", result.ExecutionID,
		"service", wf.Service,
	)

	var execErr error

steps:
	for i, step := range wf.Steps {
		value, err := o.runStep(ctx, step)

		if err == nil && step.SuccessCriteria != nil && !step.SuccessCriteria(value) {
			err = fmt.Errorf("success criteria not met")
		}

		if err == nil {
			result.CompletedSteps++
			continue
		}

		stepErr := &StepError{
			WorkflowID: wf.ID,
			StepIndex:  i,
			StepName:   step.Name,
			Action:     step.Action,
			Err:        err,
		}

		switch step.FailureAction {
		case FailureContinue:
			o.logger.Warn("Recovery step failed, continuing",
				"workflow_id", wf.ID,
				"step", step.Name,
				"error", err.Error(),
			)
			result.CompletedSteps++
		case FailureRollback:
			o.rollback(ctx, wf, result)
			execErr = stepErr
			break steps
		default: // abort
			execErr = stepErr
			break steps
		}
	}

	result.Duration = time.Since(start)
	result.Success = execErr == nil
	if execErr != nil {
		result.Error = execErr.Error()
	}

	if o.metrics != nil {
		o.metrics.ObserveRecovery(wf.ID, result.Success, result.Duration)
	}
	o.emitAudit(ctx, result)

	if execErr != nil {
		o.logger.Error("Recovery workflow failed",
			"workflow_id", wf.ID,
			"execution_id", result.ExecutionID,
			"completed_steps", result.CompletedSteps,
			"rolled_back", result.RolledBack,
			"error", execErr.Error(),
		)
		return result, execErr
	}

	o.logger.Info("Recovery workflow completed",
		"workflow_id", wf.ID,
		"execution_id", result.ExecutionID,
		"duration", result.Duration,
	)
	return result, nil
}

// rollback runs the workflow's rollback steps best-effort: individual
// failures are logged without stopping the rollback
func (o *Orchestrator) rollback(ctx context.Context, wf *Workflow, result *Result) {
	if len(wf.RollbackSteps) == 0 {
		return
	}

	o.logger.Warn("Rolling back recovery workflow",
		"workflow_id", wf.ID,
		"rollback_steps", len(wf.RollbackSteps),
	)

	for i, step := range wf.RollbackSteps {
		if _, err := o.runStep(ctx, step); err != nil {
			o.logger.Error("Rollback step failed",
				"workflow_id", wf.ID,
				"rollback_step", i,
				"step", step.Name,
				"error", err.Error(),
			)
		}
	}
	result.RolledBack = true
}

// runStep executes one step under its own timeout. A step losing the race
// is abandoned, not cancelled.
func (o *Orchestrator) runStep(ctx context.Context, step Step) (interface{}, error) {
	if step.Timeout <= 0 {
		return o.dispatch(ctx, step)
	}

	type stepResult struct {
		value interface{}
		err   error
	}

	done := make(chan stepResult, 1)
	go func() {
		value, err := o.dispatch(ctx, step)
		done <- stepResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-time.After(step.Timeout):
		return nil, apperrors.NewTimeoutError(fmt.Sprintf("recovery step '%s'", step.Name))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, step Step) (interface{}, error) {
	switch step.Action {
	case ActionRetry:
		params := step.Params.(*RetryParams)
		config := params.Retry
		if config.MaxAttempts == 0 {
			config = o.retryDefaults
		}
		res := retry.Do(ctx, config, params.Probe)
		if o.metrics != nil {
			outcome := "failure"
			if res.Success {
				outcome = "success"
			}
			o.metrics.ObserveRetryAttempts(outcome, res.Attempts)
		}
		if res.Success {
			return res.Value, nil
		}
		// The final error surfaces unwrapped
		return nil, res.Err

	case ActionFallback:
		params := step.Params.(*FallbackParams)
		return o.fallbacks.ExecuteWithFallback(ctx, params.Service, params.Op)

	case ActionCircuitBreak:
		params := step.Params.(*CircuitBreakParams)
		cb := o.breakers.GetOrDefault(params.Service)
		if params.Open {
			cb.ForceOpen()
		} else {
			cb.Reset()
		}
		return cb.Snapshot(), nil

	case ActionAlert:
		params := step.Params.(*AlertParams)
		alert := &alerting.Alert{
			Type:      "recovery_step",
			Severity:  params.Severity,
			Title:     params.Title,
			Message:   params.Message,
			Metadata:  params.Metadata,
			Timestamp: time.Now(),
		}
		if o.alerts == nil {
			o.logger.Warn("Alert step executed without alert channel",
				"title", params.Title,
			)
			return nil, nil
		}
		// Alert delivery failures never fail the workflow
		if err := o.alerts.Notify(ctx, alert); err != nil {
			o.logger.Error("Alert step delivery failed", "error", err.Error())
		}
		return nil, nil

	case ActionCacheWarm:
		params := step.Params.(*CacheWarmParams)
		value, err := params.Loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("cache warm loader failed: %w", err)
		}
		o.fallbacks.WarmCache(ctx, params.Service, value)
		return value, nil

	default:
		o.mutex.RLock()
		executor, ok := o.extensions[step.Action]
		o.mutex.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no executor registered for action %q", step.Action)
		}
		return executor(ctx, step)
	}
}

// emitAudit delivers the execution record to the sink; sink failures are
// logged and swallowed
func (o *Orchestrator) emitAudit(ctx context.Context, result *Result) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(ctx, result); err != nil {
		o.logger.Error("Failed to append recovery audit record",
			"workflow_id", result.WorkflowID,
			"execution_id", result.ExecutionID,
			"error", err.Error(),
		)
	}
}
