package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordRequest_IncrementsByLabel(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.RecordRequest("direct", "success")
	reg.RecordRequest("direct", "success")
	reg.RecordRequest("resilient", "error")

	require.Equal(t, float64(2), counterValue(t, reg.RequestsTotal.WithLabelValues("direct", "success")))
	require.Equal(t, float64(1), counterValue(t, reg.RequestsTotal.WithLabelValues("resilient", "error")))
}

func TestRecordCacheAccess_ComputesRollingRatio(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.RecordCacheAccess(true)
	reg.RecordCacheAccess(true)
	reg.RecordCacheAccess(false)

	require.InDelta(t, 2.0/3.0, gaugeValue(t, reg.CacheHitRatio), 1e-9)
}

func TestSetPoolInUse_ReflectsLatestValue(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.SetPoolInUse(3)
	require.Equal(t, float64(3), gaugeValue(t, reg.ConnectionPoolInUse))
	reg.SetPoolInUse(1)
	require.Equal(t, float64(1), gaugeValue(t, reg.ConnectionPoolInUse))
}

func TestRecordRetry_IncrementsByCategory(t *testing.T) {
	reg := New(prometheus.NewRegistry())
	reg.RecordRetry("quick")
	reg.RecordRetry("quick")
	reg.RecordRetry("analysis")

	require.Equal(t, float64(2), counterValue(t, reg.RetryTotal.WithLabelValues("quick")))
	require.Equal(t, float64(1), counterValue(t, reg.RetryTotal.WithLabelValues("analysis")))
}
