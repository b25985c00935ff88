package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "towing_dispatch"

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Towing requests accepted for dispatch"})
	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_outcomes_total", Help: "Towing requests reaching a status past pending"},
		[]string{"status"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification attempts by channel and result"},
		[]string{"channel", "result"},
	)
	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "mechanic_responses_total", Help: "Mechanic responses by outcome and whether they were applied"},
		[]string{"outcome", "result"},
	)
	FanoutCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fanout_candidates",
		Help:      "Mechanics contacted per fan-out",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
	})
	AcceptLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Time from request creation to acceptance", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_sessions", Help: "Open realtime sessions"})

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
