package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_total", Help: "Requests by dispatch outcome"},
		[]string{"outcome"},
	)
	OffersOpened    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_opened_total", Help: "Offers opened to candidates"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts that lost the race"})
	Escalations     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "escalations_total", Help: "Escalation rounds run"})
	Transfers       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "transfers_total", Help: "Requests transferred to a new responder"})
	ActiveTimers    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_timers", Help: "Armed escalation timers"})
	RouteFallbacks  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "route_fallbacks_total", Help: "Travel estimates computed without the routing service"})

	SearchRadiusMeters = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "search_radius_meters",
		Help:      "Radius of each candidate search",
		Buckets:   []float64{250, 500, 750, 1000, 2000},
	})
	CandidatesPerSearch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_per_search",
		Help:      "Candidates returned by one search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20},
	})
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Notifications that could not be delivered"},
		[]string{"channel"},
	)

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
