// Package metrics exposes optional Prometheus instrumentation for the
// client. Collectors register against an injected registry; nothing touches
// the global default.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the client-side counters.
type Collector struct {
	packetsProcessed *prometheus.CounterVec
	packetsDropped   *prometheus.CounterVec
	reconnects       prometheus.Counter
	rebootstraps     prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpRetries      prometheus.Counter
	httpLatency      prometheus.Histogram
	echoSuppressed   prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		packetsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uiprotect_ws_packets_processed_total",
			Help: "Websocket packets applied to the bootstrap, by model key.",
		}, []string{"model"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uiprotect_ws_packets_dropped_total",
			Help: "Websocket packets dropped, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uiprotect_ws_reconnects_total",
			Help: "Websocket reconnect attempts.",
		}),
		rebootstraps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uiprotect_rebootstraps_total",
			Help: "Full bootstrap refreshes triggered by stream divergence.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uiprotect_http_requests_total",
			Help: "HTTP requests to the controller, by method and outcome.",
		}, []string{"method", "outcome"}),
		httpRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uiprotect_http_retries_total",
			Help: "Idempotent request retries.",
		}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uiprotect_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		echoSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uiprotect_echo_suppressed_total",
			Help: "Fields dropped from packets because this client wrote them.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.packetsProcessed, c.packetsDropped, c.reconnects,
			c.rebootstraps, c.httpRequests, c.httpRetries, c.httpLatency,
			c.echoSuppressed,
		)
	}
	return c
}

func (c *Collector) PacketProcessed(model string) {
	if c == nil {
		return
	}
	c.packetsProcessed.WithLabelValues(model).Inc()
}

func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.packetsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collector) Rebootstrap() {
	if c == nil {
		return
	}
	c.rebootstraps.Inc()
}

func (c *Collector) HTTPRequest(method, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, outcome).Inc()
	c.httpLatency.Observe(elapsed.Seconds())
}

func (c *Collector) HTTPRetry() {
	if c == nil {
		return
	}
	c.httpRetries.Inc()
}

func (c *Collector) EchoSuppressed() {
	if c == nil {
		return
	}
	c.echoSuppressed.Inc()
}
