package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheResults counts intercepted fetches by how they were answered
	// (network|cache|offline|unavailable) and bypassed requests (bypass).
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chabapp_cache_results_total",
			Help: "Fetch events by result source",
		},
		[]string{"result"},
	)

	// CacheWriteErrors counts failed writes into the cache partition.
	CacheWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chabapp_cache_write_errors_total",
			Help: "Failed cache partition writes",
		},
	)

	// NotificationsDisplayed counts notifications handed to the display primitive by type.
	NotificationsDisplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chabapp_notifications_displayed_total",
			Help: "Notifications displayed",
		},
		[]string{"type"},
	)

	// ArmedTimers tracks scheduled notification timers that have not fired yet.
	ArmedTimers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chabapp_notification_timers_armed",
			Help: "Armed notification timers",
		},
	)

	// HTTPLatency measures request latencies.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chabapp_http_latency_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)
