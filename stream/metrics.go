package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamConnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bridge_stream_connects_total",
	Help: "Number of successful realtime stream connections",
})

var streamDisconnectsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_stream_disconnects_total",
	Help: "Number of realtime stream disconnects, by reason",
}, []string{"reason"})
