// Package metrics exposes Prometheus collectors for schedule synchronization
// and room status polling.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Schedule sync metrics
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confsync_sync_runs_total",
			Help: "Total number of schedule sync runs by outcome",
		},
		[]string{"outcome"},
	)

	SyncRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "confsync_sync_rejected_total",
			Help: "Sync requests ignored because a run was already in progress",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "confsync_sync_duration_seconds",
			Help:    "Duration of schedule sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	SyncRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confsync_sync_records",
			Help: "Number of records stored by the last successful sync",
		},
	)

	SyncInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confsync_sync_in_progress",
			Help: "Whether a schedule sync is running (1) or not (0)",
		},
	)

	// Room status metrics
	RoomPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confsync_room_polls_total",
			Help: "Total number of room status polls by result",
		},
		[]string{"result"},
	)

	RoomPollerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confsync_room_poller_active",
			Help: "Whether the room status poller is active (1) or not (0)",
		},
	)

	RoomStatusExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "confsync_room_status_expirations_total",
			Help: "Number of times room status data expired without a refresh",
		},
	)

	RoomsKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confsync_rooms_known",
			Help: "Number of rooms in the currently published room status",
		},
	)

	DayWindowLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "confsync_day_window_live",
			Help: "Whether the current time is inside a conference day window (1) or not (0)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confsync_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "confsync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(SyncRunsTotal)
	prometheus.MustRegister(SyncRejectedTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncRecords)
	prometheus.MustRegister(SyncInProgress)
	prometheus.MustRegister(RoomPollsTotal)
	prometheus.MustRegister(RoomPollerActive)
	prometheus.MustRegister(RoomStatusExpirations)
	prometheus.MustRegister(RoomsKnown)
	prometheus.MustRegister(DayWindowLive)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds.
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// BoolGauge sets g to 1 or 0.
func BoolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
