package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestContext creates a context with timeout for tests
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually asserts that a condition is met within a timeout
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, tick time.Duration, msgAndArgs ...any) {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			require.FailNow(t, "condition not met within timeout", msgAndArgs...)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// MetricReader collects OpenTelemetry metrics in tests
type MetricReader struct {
	*sdkmetric.ManualReader
	Provider *sdkmetric.MeterProvider
}

// NewMetricReader returns a meter provider backed by a manual reader
func NewMetricReader(t *testing.T) *MetricReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &MetricReader{ManualReader: reader, Provider: provider}
}

func (r *MetricReader) find(t *testing.T, name string) (metricdata.Metrics, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// Int64Value sums the data points of an int64 counter or gauge whose
// attributes include every given attribute. Missing metrics read as zero.
func (r *MetricReader) Int64Value(t *testing.T, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := r.find(t, name)
	if !ok {
		return 0
	}

	var points []metricdata.DataPoint[int64]
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		points = data.DataPoints
	case metricdata.Gauge[int64]:
		points = data.DataPoints
	default:
		require.Failf(t, "unexpected metric data", "%s has type %T", name, m.Data)
	}

	var total int64
	for _, p := range points {
		if hasAttributes(p.Attributes, attrs) {
			total += p.Value
		}
	}
	return total
}

// HistogramCount returns how many measurements a histogram recorded
func (r *MetricReader) HistogramCount(t *testing.T, name string) uint64 {
	t.Helper()
	m, ok := r.find(t, name)
	if !ok {
		return 0
	}

	var total uint64
	switch data := m.Data.(type) {
	case metricdata.Histogram[int64]:
		for _, p := range data.DataPoints {
			total += p.Count
		}
	case metricdata.Histogram[float64]:
		for _, p := range data.DataPoints {
			total += p.Count
		}
	default:
		require.Failf(t, "unexpected metric data", "%s has type %T", name, m.Data)
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
