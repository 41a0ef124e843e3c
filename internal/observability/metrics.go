package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_dispatch", Name: "requests_total", Help: "Dispatch requests created"},
		[]string{"service_type"},
	)
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_dispatch", Name: "assignments_total", Help: "Requests that ended assigned"},
		[]string{"service_type"},
	)
	ExpirationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_dispatch", Name: "expirations_total", Help: "Requests that ended expired"},
		[]string{"service_type"},
	)
	NotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "notifications_total", Help: "Driver notifications created"})
	PushFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "push_failures_total", Help: "Notifications stored but not pushed (driver offline or send failed)"})
	RadiusExpansions   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "radius_expansions_total", Help: "Search radius widenings"})
	RaceLossesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "race_losses_total", Help: "Accept attempts that lost the assignment race"})
	WSConnections      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "order_dispatch", Name: "ws_connections", Help: "Registered driver channel handles"})

	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "order_dispatch", Name: "location_updates_total", Help: "Driver location/state updates ingested"})

	SelectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "order_dispatch",
		Name:      "selection_latency_seconds",
		Help:      "Candidate selection pass latency",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "order_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "order_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
