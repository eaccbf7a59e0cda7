package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poller_await_total",
		Help: "Completed waits for payment resolution by outcome.",
	}, []string{"outcome"})

	awaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "poller_await_duration_seconds",
		Help:    "How long callers waited for payment resolution.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poller_swept_total",
		Help: "Stale payments revisited by the sweeper, by reconcile result.",
	}, []string{"result"})
)

// GetAwaitTotal exposes the wait outcome counter for tests.
func GetAwaitTotal() *prometheus.CounterVec { return awaitTotal }

// GetSweptTotal exposes the sweeper counter for tests.
func GetSweptTotal() *prometheus.CounterVec { return sweptTotal }
