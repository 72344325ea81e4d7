package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_WindowKeepsNewestSamples(t *testing.T) {
	collector := NewCollector()

	// 70 samples into a 60-slot window: the 10 oldest fall out
	for i := 0; i < 70; i++ {
		collector.Record(&Sample{
			Service:   "payments",
			Timestamp: time.Now(),
			ErrorRate: float64(i),
		})
	}

	window := collector.Window("payments")
	require.Len(t, window, WindowSize)
	assert.Equal(t, float64(10), window[0].ErrorRate)
	assert.Equal(t, float64(69), window[len(window)-1].ErrorRate)
}

func TestCollector_WindowsAreIndependentPerService(t *testing.T) {
	collector := NewCollector()

	collector.Record(&Sample{Service: "payments", ErrorRate: 0.5})
	collector.Record(&Sample{Service: "search", ErrorRate: 0.1})

	assert.Len(t, collector.Window("payments"), 1)
	assert.Len(t, collector.Window("search"), 1)
	assert.Nil(t, collector.Window("unknown"))
	assert.ElementsMatch(t, []string{"payments", "search"}, collector.Services())
}

func TestCollector_RecordIgnoresInvalidSamples(t *testing.T) {
	collector := NewCollector()

	collector.Record(nil)
	collector.Record(&Sample{Service: ""})

	assert.Empty(t, collector.Services())
}

func TestCollector_RecordStampsMissingTimestamp(t *testing.T) {
	collector := NewCollector()
	collector.Record(&Sample{Service: "payments"})

	window := collector.Window("payments")
	require.Len(t, window, 1)
	assert.False(t, window[0].Timestamp.IsZero())
}

func TestCollector_Average(t *testing.T) {
	collector := NewCollector()

	for _, latency := range []float64{100, 200, 300} {
		collector.Record(&Sample{Service: "payments", P99LatencyMs: latency})
	}

	assert.InDelta(t, 200, collector.Average("payments", MetricP99Latency), 0.001)
	assert.Equal(t, float64(0), collector.Average("unknown", MetricP99Latency))
}

func TestCollector_DetectTrend(t *testing.T) {
	increasing := NewCollector()
	for _, rate := range []float64{0.01, 0.01, 0.05, 0.05} {
		increasing.Record(&Sample{Service: "payments", ErrorRate: rate})
	}
	assert.Equal(t, TrendIncreasing, increasing.DetectTrend("payments", MetricErrorRate))

	decreasing := NewCollector()
	for _, latency := range []float64{500, 500, 100, 100} {
		decreasing.Record(&Sample{Service: "payments", P99LatencyMs: latency})
	}
	assert.Equal(t, TrendDecreasing, decreasing.DetectTrend("payments", MetricP99Latency))

	stable := NewCollector()
	for _, rate := range []float64{0.02, 0.02, 0.021, 0.019} {
		stable.Record(&Sample{Service: "payments", ErrorRate: rate})
	}
	assert.Equal(t, TrendStable, stable.DetectTrend("payments", MetricErrorRate))
}

func TestCollector_DetectTrendNeedsEnoughSamples(t *testing.T) {
	collector := NewCollector()
	for i := 0; i < 3; i++ {
		collector.Record(&Sample{Service: "payments", ErrorRate: float64(i)})
	}
	assert.Equal(t, TrendStable, collector.DetectTrend("payments", MetricErrorRate))
}

func TestCollector_DetectTrendFromZeroBaseline(t *testing.T) {
	collector := NewCollector()
	for _, rate := range []float64{0, 0, 0.1, 0.1} {
		collector.Record(&Sample{Service: "payments", ErrorRate: rate})
	}
	assert.Equal(t, TrendIncreasing, collector.DetectTrend("payments", MetricErrorRate))

	flat := NewCollector()
	for i := 0; i < 4; i++ {
		flat.Record(&Sample{Service: "payments", ErrorRate: 0})
	}
	assert.Equal(t, TrendStable, flat.DetectTrend("payments", MetricErrorRate))
}
