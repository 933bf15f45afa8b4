package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_sessions_total", Help: "Dispatch sessions by terminal status"},
		[]string{"status"},
	)
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from session start to terminal status",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 90, 120, 180},
		},
		[]string{"status"},
	)
	DispatchActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "dispatch_sessions_active", Help: "Dispatch sessions currently running"})
	SearchAttempts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "search_attempts_total", Help: "Driver pool queries issued by candidate search"})
	Notifications  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_notifications_total", Help: "Driver notifications by response"},
		[]string{"response"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	GeofenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geofence_events_total", Help: "Geofence enter/exit events emitted"},
		[]string{"type", "action"},
	)
	GeofencePingErrors    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geofence_ping_errors_total", Help: "Location pings that failed evaluation"})
	GeofencePublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geofence_publish_errors_total", Help: "Geofence event batches that failed to publish"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
