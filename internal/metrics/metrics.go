package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the offline runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PendingRecords *prometheus.GaugeVec
	SyncAttempts   *prometheus.CounterVec
	SyncFailures   *prometheus.CounterVec
	SyncDelivered  *prometheus.CounterVec
	Drains         prometheus.Counter
	CacheLookups   *prometheus.CounterVec
	Online         prometheus.Gauge
	TokenChecks    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in the daemon and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PendingRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_queue_pending_records",
			Help: "Records waiting in the local durable queue",
		}, []string{"type"}),
		SyncAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_attempts_total",
			Help: "Remote submissions attempted by the sync engine",
		}, []string{"type"}),
		SyncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_failures_total",
			Help: "Remote submissions that left the record queued",
		}, []string{"type"}),
		SyncDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_delivered_total",
			Help: "Records accepted by the remote system and removed from the queue",
		}, []string{"type"}),
		Drains: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_sync_drains_total",
			Help: "Completed drain passes",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_proxy_cache_lookups_total",
			Help: "Caching proxy outcomes by category and result",
		}, []string{"category", "result"}),
		Online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_network_online",
			Help: "1 when the network monitor considers the device online",
		}),
		TokenChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_trust_token_checks_total",
			Help: "Trust token validations by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) SetPending(recordType string, count int) {
	if m == nil {
		return
	}
	m.PendingRecords.WithLabelValues(recordType).Set(float64(count))
}

func (m *Metrics) RecordAttempt(recordType string, delivered bool) {
	if m == nil {
		return
	}
	m.SyncAttempts.WithLabelValues(recordType).Inc()
	if delivered {
		m.SyncDelivered.WithLabelValues(recordType).Inc()
	} else {
		m.SyncFailures.WithLabelValues(recordType).Inc()
	}
}

func (m *Metrics) IncrementDrains() {
	if m == nil {
		return
	}
	m.Drains.Inc()
}

// RecordCacheLookup counts one proxy outcome: hit, miss, stored, fallback or offline.
func (m *Metrics) RecordCacheLookup(category, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(category, result).Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

func (m *Metrics) RecordTokenCheck(outcome string) {
	if m == nil {
		return
	}
	m.TokenChecks.WithLabelValues(outcome).Inc()
}
