package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector gathers Prometheus metrics for the chat gateway.
// A nil *Collector is valid and records nothing, which keeps tests quiet.
type Collector struct {
	connectionsActive prometheus.Gauge
	connectsTotal     prometheus.Counter
	messagesTotal     prometheus.Counter
	broadcastDropped  prometheus.Counter
	chatErrors        *prometheus.CounterVec
	storeLatency      prometheus.Histogram
}

// NewCollector constructs a Collector and registers its metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agroconnect_chat_connections_active",
			Help: "Currently open chat websocket sessions.",
		}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agroconnect_chat_connects_total",
			Help: "Accepted chat websocket handshakes.",
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agroconnect_chat_messages_total",
			Help: "Messages persisted and broadcast.",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agroconnect_chat_broadcast_dropped_total",
			Help: "Room broadcast envelopes dropped under backpressure.",
		}),
		chatErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agroconnect_chat_errors_total",
			Help: "chatError events emitted, by reason.",
		}, []string{"reason"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agroconnect_chat_store_latency_seconds",
			Help:    "Latency of storage calls issued by the gateway.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectsTotal,
		c.messagesTotal,
		c.broadcastDropped,
		c.chatErrors,
		c.storeLatency,
	)

	return c
}

// ConnectionOpened records an accepted handshake.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed records a disconnect.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Dec()
}

// MessageBroadcast records a persisted message fanned out to its room.
func (c *Collector) MessageBroadcast(dropped int) {
	if c == nil {
		return
	}
	c.messagesTotal.Inc()
	if dropped > 0 {
		c.broadcastDropped.Add(float64(dropped))
	}
}

// ChatError records an emitted chatError by reason.
func (c *Collector) ChatError(reason string) {
	if c == nil {
		return
	}
	c.chatErrors.WithLabelValues(reason).Inc()
}

// StoreCall records the duration of one storage call.
func (c *Collector) StoreCall(d time.Duration) {
	if c == nil {
		return
	}
	c.storeLatency.Observe(d.Seconds())
}
