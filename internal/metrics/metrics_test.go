package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	var m dto.Metric
	require.NoError(t, histogram.Write(&m))
	assert.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestBoolGauge(t *testing.T) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_bool", Help: "test"})

	var m dto.Metric
	BoolGauge(g, true)
	require.NoError(t, g.Write(&m))
	assert.InDelta(t, 1.0, m.GetGauge().GetValue(), 0)

	BoolGauge(g, false)
	require.NoError(t, g.Write(&m))
	assert.InDelta(t, 0.0, m.GetGauge().GetValue(), 0)
}

func TestHandlerExposesCollectors(t *testing.T) {
	SyncRunsTotal.WithLabelValues("success").Inc()
	RoomPollerActive.Set(0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "confsync_sync_runs_total")
	assert.Contains(t, string(body), "confsync_room_poller_active")
}
