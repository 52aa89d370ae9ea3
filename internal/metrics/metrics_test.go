package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersRecordWhenEnabled(t *testing.T) {
	EnableMetrics()
	m := GetMetrics()
	require.Same(t, m, GetMetrics())

	before := testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("target"))
	Inc(m.JobsEnqueued, "target")
	assert.InDelta(t, before+1, testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("target")), 1e-9)

	m.UpdateQueue(3, 5, 512)
	assert.InDelta(t, 3, testutil.ToFloat64(m.QueueSize), 1e-9)
	assert.InDelta(t, 512, testutil.ToFloat64(m.QueueCapacity), 1e-9)

	SetGauge(m.SemaphoreInUse, 2, "sub")
	assert.InDelta(t, 2, testutil.ToFloat64(m.SemaphoreInUse.WithLabelValues("sub")), 1e-9)

	done := MeasureDuration(m.ScanDuration, prometheus.Labels{"check": "dns"})
	done()
	n, err := testutil.GatherAndCount(Registry(), "certwatch_scan_duration_seconds")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}
