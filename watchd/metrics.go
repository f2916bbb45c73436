package watchd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	observers     prometheus.Gauge
	framesDropped prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chpwatch",
			Subsystem: "watchd",
			Name:      "observers",
			Help:      "Currently connected websocket observers.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chpwatch",
			Subsystem: "watchd",
			Name:      "frames_dropped_total",
			Help:      "Notification frames dropped for observers that could not keep up.",
		}),
	}
}
