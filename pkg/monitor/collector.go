package monitor

import (
	"sync"
	"time"
)

// WindowSize is the number of samples kept per tracked service
const WindowSize = 60

// Sample is one point-in-time metrics reading for a service, pulled from
// the injected sampler
type Sample struct {
	Service       string    `json:"service"`
	Timestamp     time.Time `json:"timestamp"`
	ErrorRate     float64   `json:"error_rate"`      // fraction of failed calls, 0..1
	P99LatencyMs  float64   `json:"p99_latency_ms"`  // 99th percentile latency
	ThroughputRPS float64   `json:"throughput_rps"`  // requests per second
	CPUPercent    float64   `json:"cpu_percent"`     // 0..100
	MemoryPercent float64   `json:"memory_percent"`  // 0..100
	Connections   int       `json:"connections"`     // open connections to the dependency
}

// Metric names a sample field for trend queries
type Metric string

const (
	MetricErrorRate   Metric = "error_rate"
	MetricP99Latency  Metric = "p99_latency_ms"
	MetricThroughput  Metric = "throughput_rps"
	MetricCPU         Metric = "cpu_percent"
	MetricMemory      Metric = "memory_percent"
	MetricConnections Metric = "connections"
)

func (m Metric) extract(s *Sample) float64 {
	switch m {
	case MetricErrorRate:
		return s.ErrorRate
	case MetricP99Latency:
		return s.P99LatencyMs
	case MetricThroughput:
		return s.ThroughputRPS
	case MetricCPU:
		return s.CPUPercent
	case MetricMemory:
		return s.MemoryPercent
	case MetricConnections:
		return float64(s.Connections)
	default:
		return 0
	}
}

// Trend is the direction of a metric over the current window
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// ringWindow is a fixed-size ring buffer of samples
type ringWindow struct {
	samples [WindowSize]*Sample
	next    int
	count   int
}

func (w *ringWindow) append(s *Sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % WindowSize
	if w.count < WindowSize {
		w.count++
	}
}

// ordered returns the window's samples oldest first
func (w *ringWindow) ordered() []*Sample {
	out := make([]*Sample, 0, w.count)
	start := w.next - w.count
	if start < 0 {
		start += WindowSize
	}
	for i := 0; i < w.count; i++ {
		out = append(out, w.samples[(start+i)%WindowSize])
	}
	return out
}

// Collector keeps a sliding window of samples per tracked service for
// averaging and trend detection
type Collector struct {
	mutex   sync.RWMutex
	windows map[string]*ringWindow
}

// NewCollector creates an empty metrics collector
func NewCollector() *Collector {
	return &Collector{windows: make(map[string]*ringWindow)}
}

// Record appends a sample to the service's window
func (c *Collector) Record(sample *Sample) {
	if sample == nil || sample.Service == "" {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	w, ok := c.windows[sample.Service]
	if !ok {
		w = &ringWindow{}
		c.windows[sample.Service] = w
	}
	w.append(sample)
}

// Window returns the service's samples oldest first
func (c *Collector) Window(service string) []*Sample {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	w, ok := c.windows[service]
	if !ok {
		return nil
	}
	return w.ordered()
}

// Average returns the mean of a metric over the service's window
func (c *Collector) Average(service string, metric Metric) float64 {
	samples := c.Window(service)
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += metric.extract(s)
	}
	return sum / float64(len(samples))
}

// DetectTrend compares the first-half average of the window against the
// second-half average: a delta above 20% is increasing or decreasing,
// anything else is stable. Intended for dashboards, not for alerting.
func (c *Collector) DetectTrend(service string, metric Metric) Trend {
	samples := c.Window(service)
	if len(samples) < 4 {
		return TrendStable
	}

	mid := len(samples) / 2
	var firstSum, secondSum float64
	for _, s := range samples[:mid] {
		firstSum += metric.extract(s)
	}
	for _, s := range samples[mid:] {
		secondSum += metric.extract(s)
	}

	firstAvg := firstSum / float64(mid)
	secondAvg := secondSum / float64(len(samples)-mid)

	if firstAvg == 0 {
		if secondAvg > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}

	delta := (secondAvg - firstAvg) / firstAvg
	switch {
	case delta > 0.2:
		return TrendIncreasing
	case delta < -0.2:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Services lists every service with at least one recorded sample
func (c *Collector) Services() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	services := make([]string, 0, len(c.windows))
	for name := range c.windows {
		services = append(services, name)
	}
	return services
}
