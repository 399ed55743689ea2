// Package metrics exposes prometheus instruments for the metering pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts pipeline activity: events ingested, aggregate updates, DLQ
// parks and quota decisions.
type Metrics struct {
	eventsIngested   prometheus.Counter
	batchesFailed    *prometheus.CounterVec
	tenantsUpdated   prometheus.Counter
	changesSkipped   *prometheus.CounterVec
	quotaDecisions   *prometheus.CounterVec
	limitUpdates     prometheus.Counter
	publishRateDrops prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		eventsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tokenmeter_usage_events_ingested_total",
			Help: "Usage events durably recorded.",
		}),
		batchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenmeter_batches_failed_total",
			Help: "Delivery batches that failed and were left for redelivery.",
		}, []string{"stage"}),
		tenantsUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tokenmeter_tenant_aggregates_updated_total",
			Help: "Per-tenant aggregate increments applied.",
		}),
		changesSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenmeter_change_records_skipped_total",
			Help: "Change records acknowledged without aggregation.",
		}, []string{"event_name"}),
		quotaDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenmeter_quota_decisions_total",
			Help: "Quota gate decisions.",
		}, []string{"decision"}),
		limitUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tokenmeter_limit_updates_total",
			Help: "Tenant token limits stored.",
		}),
		publishRateDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tokenmeter_publish_rate_limited_total",
			Help: "Usage publish requests rejected by the rate limiter.",
		}),
	}
}

func (m *Metrics) AddEventsIngested(n int) {
	if m == nil {
		return
	}
	m.eventsIngested.Add(float64(n))
}

func (m *Metrics) IncBatchFailed(stage string) {
	if m == nil {
		return
	}
	m.batchesFailed.WithLabelValues(stage).Inc()
}

func (m *Metrics) AddTenantsUpdated(n int) {
	if m == nil {
		return
	}
	m.tenantsUpdated.Add(float64(n))
}

func (m *Metrics) IncChangeSkipped(eventName string) {
	if m == nil {
		return
	}
	m.changesSkipped.WithLabelValues(eventName).Inc()
}

func (m *Metrics) IncQuotaDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	m.quotaDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncLimitUpdate() {
	if m == nil {
		return
	}
	m.limitUpdates.Inc()
}

func (m *Metrics) IncPublishRateLimited() {
	if m == nil {
		return
	}
	m.publishRateDrops.Inc()
}
