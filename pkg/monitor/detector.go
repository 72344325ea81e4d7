package monitor

import (
	"time"
)

// AnomalyType classifies what kind of threshold breach was observed
type AnomalyType string

const (
	AnomalyHighErrorRate           AnomalyType = "high_error_rate"
	AnomalyHighLatency             AnomalyType = "high_latency"
	AnomalyHighLoad                AnomalyType = "high_load"
	AnomalyMemoryLeak              AnomalyType = "memory_leak"
	AnomalyConnectionPoolExhausted AnomalyType = "connection_pool_exhaustion"
)

// AnomalySeverity escalates to critical when a value exceeds twice its
// threshold
type AnomalySeverity string

const (
	SeverityWarning  AnomalySeverity = "warning"
	SeverityCritical AnomalySeverity = "critical"
)

// Anomaly is a metric sample exceeding a configured threshold
type Anomaly struct {
	Type       AnomalyType     `json:"type"`
	Severity   AnomalySeverity `json:"severity"`
	Service    string          `json:"service"`
	Metric     string          `json:"metric"`
	Value      float64         `json:"value"`
	Threshold  float64         `json:"threshold"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Thresholds configures the detector's independent per-metric checks
type Thresholds struct {
	// MaxErrorRate is the tolerated fraction of failed calls
	MaxErrorRate float64
	// MaxP99LatencyMs is the tolerated 99th percentile latency
	MaxP99LatencyMs float64
	// MaxLoadScore bounds the combined throughput/CPU load score
	MaxLoadScore float64
	// NominalThroughputRPS normalizes throughput in the load score
	NominalThroughputRPS float64
	// MaxMemoryPercent is the tolerated memory usage
	MaxMemoryPercent float64
	// MaxConnections is the tolerated open connection count
	MaxConnections int
}

// DefaultThresholds returns production defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxErrorRate:         0.05,
		MaxP99LatencyMs:      2000,
		MaxLoadScore:         0.8,
		NominalThroughputRPS: 1000,
		MaxMemoryPercent:     85,
		MaxConnections:       90,
	}
}

// Detector runs independent threshold checks against each sample, each
// producing zero or one anomaly
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a detector with the given thresholds
func NewDetector(thresholds Thresholds) *Detector {
	if thresholds.MaxErrorRate <= 0 {
		thresholds.MaxErrorRate = 0.05
	}
	if thresholds.MaxP99LatencyMs <= 0 {
		thresholds.MaxP99LatencyMs = 2000
	}
	if thresholds.MaxLoadScore <= 0 {
		thresholds.MaxLoadScore = 0.8
	}
	if thresholds.NominalThroughputRPS <= 0 {
		thresholds.NominalThroughputRPS = 1000
	}
	if thresholds.MaxMemoryPercent <= 0 {
		thresholds.MaxMemoryPercent = 85
	}
	if thresholds.MaxConnections <= 0 {
		thresholds.MaxConnections = 90
	}
	return &Detector{thresholds: thresholds}
}

// loadScore combines CPU and throughput into one 0..1+ figure: equal
// weight to CPU fraction and throughput relative to the nominal rate
func (d *Detector) loadScore(sample *Sample) float64 {
	throughputFraction := sample.ThroughputRPS / d.thresholds.NominalThroughputRPS
	if throughputFraction > 1 {
		throughputFraction = 1
	}
	return sample.CPUPercent/100*0.5 + throughputFraction*0.5
}

// Detect runs every threshold check against the sample
func (d *Detector) Detect(sample *Sample) []Anomaly {
	if sample == nil {
		return nil
	}

	now := time.Now()
	var anomalies []Anomaly

	check := func(anomalyType AnomalyType, metric string, value, threshold float64) {
		if value <= threshold {
			return
		}
		severity := SeverityWarning
		if value > threshold*2 {
			severity = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:       anomalyType,
			Severity:   severity,
			Service:    sample.Service,
			Metric:     metric,
			Value:      value,
			Threshold:  threshold,
			DetectedAt: now,
		})
	}

	check(AnomalyHighErrorRate, string(MetricErrorRate), sample.ErrorRate, d.thresholds.MaxErrorRate)
	check(AnomalyHighLatency, string(MetricP99Latency), sample.P99LatencyMs, d.thresholds.MaxP99LatencyMs)
	check(AnomalyHighLoad, "load_score", d.loadScore(sample), d.thresholds.MaxLoadScore)
	check(AnomalyMemoryLeak, string(MetricMemory), sample.MemoryPercent, d.thresholds.MaxMemoryPercent)
	check(AnomalyConnectionPoolExhausted, string(MetricConnections), float64(sample.Connections), float64(d.thresholds.MaxConnections))

	return anomalies
}
