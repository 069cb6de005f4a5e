package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsValues(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetPending("sale", 3)
	m.RecordAttempt("sale", true)
	m.RecordAttempt("sale", false)
	m.RecordCacheLookup("static", "hit")
	m.SetOnline(true)
	m.IncrementDrains()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingRecords.WithLabelValues("sale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyncAttempts.WithLabelValues("sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncDelivered.WithLabelValues("sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncFailures.WithLabelValues("sale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("static", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Online))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Drains))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPending("sale", 1)
		m.RecordAttempt("sale", true)
		m.RecordCacheLookup("api", "offline")
		m.SetOnline(false)
		m.IncrementDrains()
		m.RecordTokenCheck("valid")
	})
}
