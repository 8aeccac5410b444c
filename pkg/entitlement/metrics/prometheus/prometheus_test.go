package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
)

var _ entitlement.Metrics = (*Metrics)(nil)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, labels map[string]string) bool {
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusMetrics_RecordIngest(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordIngest("stripe", "applied", "grant", 10*time.Millisecond)
	metrics.RecordIngest("stripe", "applied", "grant", 12*time.Millisecond)
	metrics.RecordIngest("stripe", "duplicate", "grant", time.Millisecond)
	metrics.RecordIngestError("paykickstart", "storage")

	assert.Equal(t, float64(2), counterValue(t, reg, "test_payment_events_ingested_total",
		map[string]string{"provider": "stripe", "outcome": "applied"}))
	assert.Equal(t, float64(1), counterValue(t, reg, "test_payment_events_ingested_total",
		map[string]string{"outcome": "duplicate"}))
	assert.Equal(t, float64(1), counterValue(t, reg, "test_payment_event_ingest_errors_total",
		map[string]string{"provider": "paykickstart"}))
}

func TestPrometheusMetrics_RecordClaimAndAccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordClaim("claimed")
	metrics.RecordClaim("already_claimed")
	metrics.RecordAccessCheck("pro", true, time.Millisecond)
	metrics.RecordAccessCheck("pro", false, time.Millisecond)

	assert.Equal(t, float64(1), counterValue(t, reg, "test_pending_entitlement_claims_total",
		map[string]string{"result": "claimed"}))
	assert.Equal(t, float64(1), counterValue(t, reg, "test_access_checks_total",
		map[string]string{"sku": "pro", "granted": "false"}))
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("insert_event", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("insert_event", 5*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, float64(1), counterValue(t, reg, "test_storage_operation_errors_total",
		map[string]string{"operation": "insert_event"}))
}
