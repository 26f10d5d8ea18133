package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsHandledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_governor_events_total",
	Help: "Notification events delivered to the governor, by kind",
}, []string{"kind"})

var eventsDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_governor_drops_total",
	Help: "Events dropped by policy, by reason",
}, []string{"reason"})

var repliesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_governor_replies_total",
	Help: "Reply attempts by outcome (published, declined, error)",
}, []string{"outcome"})

var browseSessionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_governor_browse_sessions_total",
	Help: "Browse sessions run, by outcome",
}, []string{"outcome"})

var postCyclesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_governor_post_cycles_total",
	Help: "Proactive post cycles run, by status",
}, []string{"status"})
