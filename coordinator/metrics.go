package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	eventsTotal      *prometheus.CounterVec
	updatesApplied   prometheus.Counter
	updatesDiscarded *prometheus.CounterVec
	deltasEmitted    prometheus.Counter
	centersEvicted   prometheus.Counter
}

// newMetrics builds the coordinator counters. A nil registerer leaves
// them unregistered, which tests rely on.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "coordinator",
			Name:      "events_total",
			Help:      "Inbound channel events by kind.",
		}, []string{"kind"}),
		updatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "coordinator",
			Name:      "updates_applied_total",
			Help:      "Snapshot updates accepted into the cache.",
		}),
		updatesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "coordinator",
			Name:      "updates_discarded_total",
			Help:      "Snapshot updates rejected without side effects.",
		}, []string{"reason"}),
		deltasEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "coordinator",
			Name:      "deltas_emitted_total",
			Help:      "Delta notifications delivered to sinks.",
		}),
		centersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "coordinator",
			Name:      "centers_evicted_total",
			Help:      "Centers garbage collected from the cache.",
		}),
	}
}
