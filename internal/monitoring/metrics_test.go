package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRequest_IncrementsCounter(t *testing.T) {
	m := New(true)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("p-test", "gpt-4o", "200"))
	m.RecordRequest("p-test", "gpt-4o", 200, 150*time.Millisecond)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("p-test", "gpt-4o", "200"))

	assert.Equal(t, before+1, after)
}

func TestUpdateProviderUsage_SetsGauges(t *testing.T) {
	m := New(true)

	m.UpdateProviderUsage("p-gauge", 3, 450, 12)

	assert.Equal(t, 3.0, testutil.ToFloat64(ProviderRPMCurrent.WithLabelValues("p-gauge")))
	assert.Equal(t, 450.0, testutil.ToFloat64(ProviderTPMCurrent.WithLabelValues("p-gauge")))
	assert.Equal(t, 12.0, testutil.ToFloat64(ProviderRPDCurrent.WithLabelValues("p-gauge")))
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := New(false)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("p-off", "m", "200"))
	m.RecordRequest("p-off", "m", 200, time.Second)
	m.RecordRejection("p-off", "rpm limit exceeded")
	m.RecordFailover("p-off")
	m.RecordStreamAbort("p-off")
	m.UpdateProviderUsage("p-off", 1, 2, 3)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("p-off", "m", "200"))

	assert.Equal(t, before, after)
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest("p", "m", 200, time.Second)
	m.RecordRejection("p", "r")
	m.RecordFailover("p")
	m.RecordStreamAbort("p")
	m.UpdateProviderUsage("p", 1, 2, 3)
}
