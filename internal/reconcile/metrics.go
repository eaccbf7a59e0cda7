package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_attempts_total",
		Help: "Reconciliation attempts by source (webhook, poll) and result.",
	}, []string{"source", "result"})

	resolutionLag = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_resolution_lag_seconds",
		Help:    "Time from payment creation to its terminal transition.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
	}, []string{"source"})
)

// GetAttemptsTotal exposes the attempts counter for tests.
func GetAttemptsTotal() *prometheus.CounterVec { return attemptsTotal }

// GetResolutionLag exposes the resolution lag histogram for tests.
func GetResolutionLag() *prometheus.HistogramVec { return resolutionLag }
