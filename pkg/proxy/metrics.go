package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaylog_upstream_latency_seconds",
		Help:    "Time spent proxying requests to upstream targets",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})
	upstreamRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaylog_upstream_rejected_total",
		Help: "Requests refused because no target could take them",
	}, []string{"reason"})
)
