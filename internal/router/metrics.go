package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bys",
			Subsystem: "router",
			Name:      "requests_admitted_total",
			Help:      "Requests that passed payment admission, by entry path",
		},
		[]string{"path"},
	)

	refusedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bys",
			Subsystem: "router",
			Name:      "requests_refused_total",
			Help:      "Requests refused before forwarding, by reason",
		},
		[]string{"reason"},
	)

	eventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bys",
			Subsystem: "router",
			Name:      "stream_events_forwarded_total",
			Help:      "Summary events relayed to ports",
		},
	)
)
