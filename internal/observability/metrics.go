package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "offers_total", Help: "Total offers fanned out"})
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "assignments_total", Help: "Total successful assignments"})
	ExpiredTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "requests_expired_total", Help: "Total requests that expired unassigned"})
	CancelledTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "requests_cancelled_total", Help: "Total requests cancelled by the requester"})
	AcceptRaceLost   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "accept_race_lost_total", Help: "Accept calls that lost the assignment race"})
	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "instant_dispatch", Name: "workers_online", Help: "Workers currently online"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "instant_dispatch", Name: "match_latency_seconds", Help: "Submit-to-offer latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "instant_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "instant_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
