package health

import (
	"context"
	"sync"
	"time"

	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
	"github.com/caresync/resilience-core/pkg/recovery"
)

// Watchdog periodically runs the health service and reacts to failing
// checks: the status gauge is updated every pass and each unhealthy check
// triggers any matching recovery workflow for that component.
type Watchdog struct {
	service      *Service
	orchestrator *recovery.Orchestrator
	metrics      *metrics.Metrics
	interval     time.Duration
	logger       *logging.Logger

	mutex  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog creates a health watchdog. The orchestrator and metrics
// arguments may be nil. An interval of zero defaults to thirty seconds.
func NewWatchdog(service *Service, orchestrator *recovery.Orchestrator, m *metrics.Metrics, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		service:      service,
		orchestrator: orchestrator,
		metrics:      m,
		interval:     interval,
		logger:       logging.GetLogger(),
	}
}

// Start launches the periodic loop until Stop is called or the context is
// cancelled
func (w *Watchdog) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	w.mutex.Lock()
	if w.cancel != nil {
		w.mutex.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mutex.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info("Health watchdog started", "interval", w.interval)

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("Health watchdog stopped")
				return
			case <-ticker.C:
				w.pass(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass to settle
func (w *Watchdog) Stop() {
	w.mutex.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) pass(ctx context.Context) {
	response := w.service.CheckHealth(ctx)

	for name, check := range response.Checks {
		if w.metrics != nil && w.metrics.HealthCheckStatus != nil {
			value := 0.0
			if check.Status == StatusHealthy {
				value = 1.0
			}
			w.metrics.HealthCheckStatus.WithLabelValues(name).Set(value)
		}

		if check.Status != StatusUnhealthy {
			continue
		}

		w.logger.Warn("Health check failing",
			"check", name,
			"error", check.Error,
		)

		if w.orchestrator == nil {
			continue
		}

		result, err := w.orchestrator.TriggerRecovery(ctx, name, recovery.TriggerHealthCheckFailed)
		if err != nil {
			w.logger.Error("Health-triggered recovery failed",
				"check", name,
				"error", err.Error(),
			)
			continue
		}
		if result != nil {
			w.logger.Info("Health-triggered recovery completed",
				"check", name,
				"workflow_id", result.WorkflowID,
				"success", result.Success,
			)
		}
	}
}
