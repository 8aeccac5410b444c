package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	ingestTotal         *prometheus.CounterVec
	ingestDuration      *prometheus.HistogramVec
	ingestErrors        *prometheus.CounterVec
	claimsTotal         *prometheus.CounterVec
	accessChecksTotal   *prometheus.CounterVec
	accessCheckDuration *prometheus.HistogramVec
	storageOpsDuration  *prometheus.HistogramVec
	storageOpsErrors    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_events_ingested_total",
			Help:      "Total number of ingested payment events by outcome.",
		}, []string{"provider", "outcome", "action"}),

		ingestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_event_ingest_duration_seconds",
			Help:      "Latency of payment event ingestion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		ingestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_event_ingest_errors_total",
			Help:      "Total number of failed payment event ingestions.",
		}, []string{"provider", "reason"}),

		claimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_entitlement_claims_total",
			Help:      "Total number of pending entitlement claim attempts.",
		}, []string{"result"}),

		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_checks_total",
			Help:      "Total number of entitlement access checks.",
		}, []string{"sku", "granted"}),

		accessCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "access_check_duration_seconds",
			Help:      "Latency of entitlement access checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sku"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordIngest(provider, outcome, action string, duration time.Duration) {
	m.ingestTotal.WithLabelValues(provider, outcome, action).Inc()
	m.ingestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordIngestError(provider, reason string) {
	m.ingestErrors.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordClaim(result string) {
	m.claimsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAccessCheck(sku string, granted bool, duration time.Duration) {
	m.accessChecksTotal.WithLabelValues(sku, strconv.FormatBool(granted)).Inc()
	m.accessCheckDuration.WithLabelValues(sku).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}
