package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
)

// Sampler is the injected metrics source: it pulls a current sample for
// one tracked service
type Sampler func(ctx context.Context, service string) (*Sample, error)

// Config holds the predictive monitor configuration
type Config struct {
	// Interval between sampling ticks
	Interval time.Duration
	// SampleTimeout bounds one service's sample-and-detect pass
	SampleTimeout time.Duration
	// Thresholds for the anomaly detector
	Thresholds Thresholds
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		SampleTimeout: 10 * time.Second,
		Thresholds:    DefaultThresholds(),
	}
}

// Monitor runs the predictive loop: sample each tracked service on a
// fixed interval, append to its window, detect anomalies and hand them to
// automated recovery. A service whose previous tick is still in flight is
// skipped, never overlapped.
type Monitor struct {
	config    Config
	sampler   Sampler
	collector *Collector
	detector  *Detector
	recovery  *AutomatedRecovery
	metrics   *metrics.Metrics

	mutex    sync.Mutex
	services map[string]bool
	inflight map[string]bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	logger *logging.Logger
}

// New creates a predictive monitor. The metrics argument may be nil.
func New(config Config, sampler Sampler, collector *Collector, autoRecovery *AutomatedRecovery, m *metrics.Metrics) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.SampleTimeout <= 0 {
		config.SampleTimeout = 10 * time.Second
	}
	if collector == nil {
		collector = NewCollector()
	}

	return &Monitor{
		config:    config,
		sampler:   sampler,
		collector: collector,
		detector:  NewDetector(config.Thresholds),
		recovery:  autoRecovery,
		metrics:   m,
		services:  make(map[string]bool),
		inflight:  make(map[string]bool),
		logger:    logging.GetLogger(),
	}
}

// Track adds a service to the monitored set
func (m *Monitor) Track(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.services[service] = true
}

// Untrack removes a service from the monitored set
func (m *Monitor) Untrack(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.services, service)
}

// Collector exposes the underlying windowed collector for dashboards
func (m *Monitor) Collector() *Collector {
	return m.collector
}

// Start launches the sampling loop until Stop is called or the context
// is cancelled
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	m.mutex.Lock()
	if m.cancel != nil {
		m.mutex.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.logger.Info("Predictive monitor started",
			"interval", m.config.Interval,
		)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Predictive monitor stopped")
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight ticks to settle
func (m *Monitor) Stop() {
	m.mutex.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// tick fans out one sampling pass, skipping services whose previous pass
// is still outstanding
func (m *Monitor) tick(ctx context.Context) {
	m.mutex.Lock()
	var due []string
	for service := range m.services {
		if m.inflight[service] {
			m.logger.Debug("Skipping overlapping tick", "service", service)
			continue
		}
		m.inflight[service] = true
		due = append(due, service)
	}
	m.mutex.Unlock()

	for _, service := range due {
		m.wg.Add(1)
		go func(service string) {
			defer m.wg.Done()
			defer func() {
				m.mutex.Lock()
				delete(m.inflight, service)
				m.mutex.Unlock()
			}()
			m.observe(ctx, service)
		}(service)
	}
}

// observe samples one service, records the sample and reacts to anomalies
func (m *Monitor) observe(ctx context.Context, service string) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.config.SampleTimeout)
	defer cancel()

	sample, err := m.sampler(sampleCtx, service)
	if err != nil {
		m.logger.Warn("Metrics sampling failed",
			"service", service,
			"error", err.Error(),
		)
		return
	}
	if sample == nil {
		return
	}
	sample.Service = service

	m.collector.Record(sample)

	anomalies := m.detector.Detect(sample)
	if len(anomalies) == 0 {
		return
	}

	for _, anomaly := range anomalies {
		m.logger.Warn("Anomaly detected",
			"service", service,
			"type", string(anomaly.Type),
			"severity", string(anomaly.Severity),
			"metric", anomaly.Metric,
			"value", anomaly.Value,
			"threshold", anomaly.Threshold,
		)
		if m.metrics != nil && m.metrics.AnomaliesTotal != nil {
			m.metrics.AnomaliesTotal.WithLabelValues(service, string(anomaly.Type), string(anomaly.Severity)).Inc()
		}
	}

	if m.recovery == nil {
		return
	}

	records := m.recovery.TriggerRecovery(ctx, service, anomalies)
	if m.metrics != nil && m.metrics.AutomatedActionsTotal != nil {
		for _, record := range records {
			status := "failed"
			if record.Success {
				status = "executed"
			}
			m.metrics.AutomatedActionsTotal.WithLabelValues(service, string(record.Action), status).Inc()
		}
	}
}
