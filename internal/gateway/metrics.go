package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_total",
		Help: "Calls to the payment provider by provider, operation and result.",
	}, []string{"provider", "op", "result"})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_duration_seconds",
		Help:    "Latency of payment provider calls, including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})
)

// GetCallsTotal exposes the provider call counter for tests.
func GetCallsTotal() *prometheus.CounterVec { return callsTotal }

// GetCallDuration exposes the provider latency histogram for tests.
func GetCallDuration() *prometheus.HistogramVec { return callDuration }
