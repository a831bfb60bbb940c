package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.TaskProcessed("html")
	m.TaskProcessed("html")
	m.TaskProcessed("css")
	m.TaskSkipped("max_depth")
	m.TaskFailed("HTTP_404")
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.OriginRequest(200, 10*time.Millisecond)
	m.AddBytesWritten(128)
	m.SetQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksProcessed.WithLabelValues("html")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksProcessed.WithLabelValues("css")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksSkipped.WithLabelValues("max_depth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksFailed.WithLabelValues("HTTP_404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OriginRequests.WithLabelValues("200")))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.BytesWritten))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth))
}

func TestMetrics_RegistryGathers(t *testing.T) {
	m := New()
	m.CacheHit()

	count, err := testutil.GatherAndCount(m.Registry(), "ssb_archive_fetch_cache_lookups_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskProcessed("html")
		m.TaskSkipped("x")
		m.TaskFailed("y")
		m.CacheHit()
		m.CacheMiss()
		m.OriginRequest(0, time.Second)
		m.AddBytesWritten(1)
		m.SetQueueDepth(1)
	})
}
