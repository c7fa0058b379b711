package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Ride requests accepted and persisted"})
	RidesRejected  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_rejected_total", Help: "Ride requests rejected before persistence"}, []string{"reason"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Conditional ride transitions by outcome"},
		[]string{"from", "to", "outcome"},
	)

	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "candidates_found",
		Help:      "Candidates offered per search attempt",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
	})
	SearchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "search_attempts_total", Help: "Candidate search attempts by result"}, []string{"result"})
	SearchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "search_latency_seconds", Help: "Candidate search latency seconds"})
	SearchQueueLen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "search_queue_length", Help: "Search tasks waiting for a worker"})

	RidesExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_expired_total", Help: "Rides expired by the sweeper"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Sweeper cycle duration"})
	DriversPruned = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "drivers_pruned_total", Help: "Stale registry entries removed"})

	LocationUpdates = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Driver location samples by outcome"}, []string{"outcome"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers with an open channel"})
	Notifications   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_total", Help: "Push notifications by event and route"}, []string{"event", "route"})

	HistoryMessages = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "history_messages_total", Help: "Location history messages consumed by outcome"}, []string{"outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
