// Package metrics exposes the bridge's Prometheus collectors. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pipeline_bridge"

// Sizer reports the number of stored pipelines.
type Sizer interface {
	Len() int
}

type Collector struct {
	activeConnections   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	messagesTotal       *prometheus.CounterVec
	messageDuration     *prometheus.HistogramVec
	broadcastsTotal     *prometheus.CounterVec
	broadcastRecipients prometheus.Counter
	broadcastFailures   prometheus.Counter
}

// New registers the bridge collectors on reg. store may be nil.
func New(reg prometheus.Registerer, store Sizer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open client connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by route and outcome",
		}, []string{"route", "outcome"}),
		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Pipeline pushes by result",
		}, []string{"result"}),
		broadcastRecipients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_recipients_total",
			Help:      "Connections a push was attempted on",
		}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-connection push send failures",
		}),
	}

	if store != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_pipelines",
			Help:      "Number of pipelines held in memory",
		}, func() float64 { return float64(store.Len()) })
	}
	return c
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsTotal.Inc()
	c.activeConnections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.activeConnections.Dec()
}

// ObserveMessage implements protocol.Observer.
func (c *Collector) ObserveMessage(route, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.messagesTotal.WithLabelValues(route, outcome).Inc()
	c.messageDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveBroadcast(attempted, delivered int) {
	if c == nil {
		return
	}
	switch {
	case attempted == 0:
		c.broadcastsTotal.WithLabelValues("no_clients").Inc()
	case delivered < attempted:
		c.broadcastsTotal.WithLabelValues("partial").Inc()
	default:
		c.broadcastsTotal.WithLabelValues("delivered").Inc()
	}
	c.broadcastRecipients.Add(float64(attempted))
	c.broadcastFailures.Add(float64(attempted - delivered))
}
