package sideeffect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "side_effect_total",
		Help: "Side effect runs by task and status.",
	}, []string{"task", "status"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "side_effect_duration_seconds",
		Help:    "Side effect latency by task.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	queueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "side_effect_queue_rejected_total",
		Help: "Confirmations dropped because the side effect queue was full.",
	})
)

// GetTasksTotal exposes the side effect counter for tests.
func GetTasksTotal() *prometheus.CounterVec { return tasksTotal }
