package booking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flowTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_flow_total",
		Help: "Completed booking flows by final state.",
	}, []string{"state"})

	initiateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_initiate_total",
		Help: "Payment initiations by result.",
	}, []string{"result"})
)

func GetFlowTotal() *prometheus.CounterVec { return flowTotal }

func GetInitiateTotal() *prometheus.CounterVec { return initiateTotal }
