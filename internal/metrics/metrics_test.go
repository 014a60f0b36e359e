package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionLifecycleUpdatesGauge(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.SessionStarted(false)
	m.SessionStarted(true)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsStarted.WithLabelValues("true")))

	m.SessionEnded("user_stop", "ok", 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.teardowns.WithLabelValues("user_stop", "ok")))
}

func TestCacheCounters(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.CacheRequest("grammar_analysis", "hit")
	m.CacheRequest("grammar_analysis", "hit")
	m.CacheBackendError("get")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheRequests.WithLabelValues("grammar_analysis", "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheBackendError.WithLabelValues("get")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionStarted(true)
	m.SessionEnded("x", "ok", time.Second)
	m.CacheRequest("a", "b")
	m.ObserveCompletion("m", "ok", time.Second)
}
