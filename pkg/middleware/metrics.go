package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaylog_records_emitted_total",
		Help: "Log records accepted by the sink",
	})
	requestsExcluded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaylog_requests_excluded_total",
		Help: "Requests skipped because their path is excluded",
	})
	sinkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaylog_sink_failures_total",
		Help: "Log records the sink failed to take",
	})
	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaylog_handler_panics_total",
		Help: "Panics recovered from downstream handlers",
	})
	bodyTruncations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylog_body_truncations_total",
		Help: "Bodies replaced by a truncation marker",
	}, []string{"direction"})
	processingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaylog_processing_seconds",
		Help:    "Time from request start to handler return",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)
