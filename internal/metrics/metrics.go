// Package metrics exposes Prometheus collectors for the client core. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vidfriends_client"

// Collector groups every client-side metric.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	channelState    *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	outbox          *prometheus.CounterVec
	gateDenials     *prometheus.CounterVec
}

// New registers the client collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Outbound API requests by method and final status.",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of outbound API requests including retries.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"method"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "retries_total",
				Help:      "Retries issued after transient failures.",
			},
			[]string{"reason"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "refreshes_total",
				Help:      "Token refresh network calls by outcome.",
			},
			[]string{"outcome"},
		),
		channelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "state",
				Help:      "1 for the presence channel's current state, 0 otherwise.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "reconnect_attempts_total",
				Help:      "Presence channel reconnect attempts by outcome.",
			},
			[]string{"outcome"},
		),
		outbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "messages_total",
				Help:      "Optimistic sends by final delivery state.",
			},
			[]string{"state"},
		),
		gateDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlement",
				Name:      "denials_total",
				Help:      "Gated actions refused by the entitlement gate.",
			},
			[]string{"action"},
		),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.retries,
		c.refreshes,
		c.channelState,
		c.reconnects,
		c.outbox,
		c.gateDenials,
	)
	return c
}

// Registry exposes the underlying registry for tests and custom exporters.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(method string, status int, took time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.requests.WithLabelValues(method, label).Inc()
	c.requestDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (c *Collector) Retry(reason string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(reason).Inc()
}

func (c *Collector) Refresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

// ChannelState marks current as the only active state among all.
func (c *Collector) ChannelState(current string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.channelState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Reconnect(outcome string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(outcome).Inc()
}

func (c *Collector) Outbox(state string) {
	if c == nil {
		return
	}
	c.outbox.WithLabelValues(state).Inc()
}

func (c *Collector) GateDenied(action string) {
	if c == nil {
		return
	}
	c.gateDenials.WithLabelValues(action).Inc()
}
