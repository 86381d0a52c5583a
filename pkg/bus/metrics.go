package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orion_bus_published_total",
		Help: "Messages published per contract kind.",
	}, []string{"kind"})

	publishRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orion_bus_rejected_total",
		Help: "Messages rejected by contract validation per kind.",
	}, []string{"kind"})

	consumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orion_bus_consumed_total",
		Help: "Messages delivered to handlers per contract kind.",
	}, []string{"kind"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orion_bus_handler_errors_total",
		Help: "Handler failures per contract kind. Failed messages are still acknowledged.",
	}, []string{"kind"})
)
