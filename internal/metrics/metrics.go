package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine counters. One instance is created per process and
// passed to the components that record events.
type Metrics struct {
	registry *prometheus.Registry

	Published    *prometheus.CounterVec
	Consumed     prometheus.Counter
	Rescheduled  prometheus.Counter
	DeadLettered prometheus.Counter
	Requeued     prometheus.Counter
	Pushed       *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushgate_published_total",
				Help: "Messages published to the broker",
			},
			[]string{"delayed"},
		),
		Consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_consumed_total",
			Help: "Deliveries received from the broker",
		}),
		Rescheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_rescheduled_total",
			Help: "Deliveries republished with a new delay",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_dead_lettered_total",
			Help: "Deliveries rejected without requeue",
		}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushgate_requeued_total",
			Help: "Deliveries returned to the broker for another attempt",
		}),
		Pushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushgate_pushed_total",
				Help: "Push notifications sent",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.Published,
		m.Consumed,
		m.Rescheduled,
		m.DeadLettered,
		m.Requeued,
		m.Pushed,
	)

	return m
}

// Handler exposes the registry for a GET /metrics route.
func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
