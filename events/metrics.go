package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesFromStreamCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_stream_frames_received_total",
	Help: "Total number of frames received from the stream",
}, []string{"remote_addr"})

var eventsFromStreamCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_stream_events_received_total",
	Help: "Total number of notification events decoded from the stream",
}, []string{"remote_addr"})

var malformedFramesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_stream_malformed_frames_total",
	Help: "Total number of frames dropped as malformed",
}, []string{"remote_addr"})
