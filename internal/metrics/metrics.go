package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScheduleArmed is 1 while a schedule is armed, 0 otherwise.
	ScheduleArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livecast_schedule_armed",
			Help: "Whether a deferred stream is currently armed",
		},
	)

	// ScheduleNextFire is the unix time of the armed target moment (0 when empty).
	ScheduleNextFire = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livecast_schedule_next_fire_timestamp_seconds",
			Help: "Unix timestamp of the armed target moment",
		},
	)

	// ScheduleEvents counts scheduler transitions by kind (armed, fired, failed, discarded, cancelled).
	ScheduleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_schedule_events_total",
			Help: "Total number of scheduler events by kind",
		},
		[]string{"kind"},
	)

	// StoreErrors counts durable store failures by operation (save, load, clear).
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_store_errors_total",
			Help: "Total number of schedule store errors by operation",
		},
		[]string{"op"},
	)

	// StreamsActive is the number of streams currently running.
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "livecast_streams_active",
			Help: "Number of streams currently running",
		},
	)

	// StreamDuration tracks how long streams ran, by source (video, screen) and result.
	StreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livecast_stream_duration_seconds",
			Help:    "Stream duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"source", "result"},
	)

	// CommandsTotal counts chat commands by route and outcome.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_commands_total",
			Help: "Total number of chat commands handled",
		},
		[]string{"route", "outcome"},
	)

	// NotificationsTotal counts outgoing notifications by result (sent, failed, dropped).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_notifications_total",
			Help: "Total number of notifications by result",
		},
		[]string{"result"},
	)

	// HousekeepingChecks counts periodic slot checks by result (ok, diverged, error).
	HousekeepingChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_housekeeping_checks_total",
			Help: "Total number of periodic schedule consistency checks",
		},
		[]string{"result"},
	)

	// OpsRequests counts ops HTTP requests by method, route pattern and status.
	OpsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livecast_ops_requests_total",
			Help: "Total number of ops HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

var initOnce sync.Once

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			ScheduleArmed, ScheduleNextFire, ScheduleEvents, StoreErrors,
			StreamsActive, StreamDuration, CommandsTotal, NotificationsTotal, HousekeepingChecks, OpsRequests,
		)
	})
}

// SetArmed records the armed target moment; a zero time marks the slot empty.
func SetArmed(target time.Time) {
	if target.IsZero() {
		ScheduleArmed.Set(0)
		ScheduleNextFire.Set(0)
		return
	}
	ScheduleArmed.Set(1)
	ScheduleNextFire.Set(float64(target.Unix()))
}

func IncScheduleEvent(kind string) { ScheduleEvents.WithLabelValues(kind).Inc() }

func IncStoreError(op string) { StoreErrors.WithLabelValues(op).Inc() }

// ObserveStream records a finished stream.
func ObserveStream(source string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StreamDuration.WithLabelValues(source, result).Observe(d.Seconds())
}

func IncCommand(route, outcome string) { CommandsTotal.WithLabelValues(route, outcome).Inc() }

func IncNotification(result string) { NotificationsTotal.WithLabelValues(result).Inc() }

func IncHousekeeping(result string) { HousekeepingChecks.WithLabelValues(result).Inc() }

// RecordOpsRequest is called from the ops router middleware.
func RecordOpsRequest(method, route string, statusCode int) {
	if route == "" {
		route = "unmatched"
	}
	OpsRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
}
