package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caresync/resilience-core/pkg/alerting"
	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/recovery"
)

// RecoveryAction is the deterministic automated response to an anomaly
type RecoveryAction string

const (
	ActionOpenCircuit    RecoveryAction = "open_circuit"
	ActionWarmCache      RecoveryAction = "warm_cache"
	ActionReduceLoad     RecoveryAction = "reduce_load"
	ActionRestartService RecoveryAction = "restart_service"
	ActionAlertAdmin     RecoveryAction = "alert_admin"
)

// actionTable maps each anomaly type to exactly one recovery action
var actionTable = map[AnomalyType]RecoveryAction{
	AnomalyHighErrorRate:           ActionOpenCircuit,
	AnomalyHighLatency:             ActionWarmCache,
	AnomalyHighLoad:                ActionReduceLoad,
	AnomalyMemoryLeak:              ActionRestartService,
	AnomalyConnectionPoolExhausted: ActionAlertAdmin,
}

// ActionRecord is one entry in the automated recovery history
type ActionRecord struct {
	Service    string         `json:"service"`
	Anomaly    Anomaly        `json:"anomaly"`
	Action     RecoveryAction `json:"action"`
	Success    bool           `json:"success"`
	Detail     string         `json:"detail,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// AutomatedRecovery turns detected anomalies into recovery actions,
// rate-limited by a per-service cooldown to prevent thrashing
type AutomatedRecovery struct {
	cooldown time.Duration

	mutex      sync.Mutex
	lastAction map[string]time.Time
	history    map[string][]ActionRecord

	breakers     *breaker.Registry
	orchestrator *recovery.Orchestrator
	alerts       alerting.Channel
	logger       *logging.Logger
}

// NewAutomatedRecovery creates the automated recovery engine. A cooldown
// of zero defaults to five minutes.
func NewAutomatedRecovery(cooldown time.Duration, breakers *breaker.Registry, orchestrator *recovery.Orchestrator, alerts alerting.Channel) *AutomatedRecovery {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &AutomatedRecovery{
		cooldown:     cooldown,
		lastAction:   make(map[string]time.Time),
		history:      make(map[string][]ActionRecord),
		breakers:     breakers,
		orchestrator: orchestrator,
		alerts:       alerts,
		logger:       logging.GetLogger(),
	}
}

// TriggerRecovery maps each anomaly to its action and executes it, unless
// the service is still inside its cooldown window. Returns the records of
// the actions taken (nil when suppressed by cooldown).
func (ar *AutomatedRecovery) TriggerRecovery(ctx context.Context, service string, anomalies []Anomaly) []ActionRecord {
	if len(anomalies) == 0 {
		return nil
	}

	ar.mutex.Lock()
	if last, ok := ar.lastAction[service]; ok && time.Since(last) < ar.cooldown {
		ar.mutex.Unlock()
		ar.logger.Debug("Automated recovery suppressed by cooldown",
			"service", service,
			"cooldown", ar.cooldown,
			"last_action", last,
		)
		return nil
	}
	ar.lastAction[service] = time.Now()
	ar.mutex.Unlock()

	records := make([]ActionRecord, 0, len(anomalies))
	for _, anomaly := range anomalies {
		action, ok := actionTable[anomaly.Type]
		if !ok {
			continue
		}

		record := ActionRecord{
			Service:    service,
			Anomaly:    anomaly,
			Action:     action,
			ExecutedAt: time.Now(),
		}

		if err := ar.executeAction(ctx, service, action, anomaly); err != nil {
			record.Detail = err.Error()
			ar.logger.Error("Automated recovery action failed",
				"service", service,
				"action", string(action),
				"anomaly", string(anomaly.Type),
				"error", err.Error(),
			)
		} else {
			record.Success = true
			ar.logger.Info("Automated recovery action executed",
				"service", service,
				"action", string(action),
				"anomaly", string(anomaly.Type),
				"severity", string(anomaly.Severity),
			)
		}

		records = append(records, record)
	}

	ar.mutex.Lock()
	ar.history[service] = append(ar.history[service], records...)
	ar.mutex.Unlock()

	return records
}

func (ar *AutomatedRecovery) executeAction(ctx context.Context, service string, action RecoveryAction, anomaly Anomaly) error {
	switch action {
	case ActionOpenCircuit:
		if ar.breakers == nil {
			return fmt.Errorf("no circuit breaker registry wired")
		}
		ar.breakers.GetOrDefault(service).ForceOpen()
		return nil

	case ActionAlertAdmin:
		if ar.alerts == nil {
			return fmt.Errorf("no alert channel wired")
		}
		return ar.alerts.Notify(ctx, &alerting.Alert{
			Type:     "automated_recovery",
			Severity: alertSeverity(anomaly.Severity),
			Title:    fmt.Sprintf("Anomaly detected for %s", service),
			Message: fmt.Sprintf("%s: %s=%.2f exceeds threshold %.2f",
				anomaly.Type, anomaly.Metric, anomaly.Value, anomaly.Threshold),
			Metadata: map[string]string{
				"service": service,
				"anomaly": string(anomaly.Type),
			},
			Timestamp: time.Now(),
		})

	case ActionWarmCache, ActionReduceLoad, ActionRestartService:
		// These actions are realized by host-registered recovery
		// workflows keyed to the anomaly trigger
		if ar.orchestrator == nil {
			return fmt.Errorf("no orchestrator wired for action %s", action)
		}
		result, err := ar.orchestrator.TriggerRecovery(ctx, service, recovery.TriggerAnomalyDetected)
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("no anomaly_detected workflow registered for service %s", service)
		}
		return nil

	default:
		return fmt.Errorf("unknown recovery action %q", action)
	}
}

// History returns the automated action history for a service
func (ar *AutomatedRecovery) History(service string) []ActionRecord {
	ar.mutex.Lock()
	defer ar.mutex.Unlock()

	records := ar.history[service]
	out := make([]ActionRecord, len(records))
	copy(out, records)
	return out
}

func alertSeverity(s AnomalySeverity) alerting.Severity {
	if s == SeverityCritical {
		return alerting.SeverityCritical
	}
	return alerting.SeverityWarning
}
