package perf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds Prometheus metrics for the forwarding engine. A nil *Counters records nothing.
type Counters struct {
	// Received tracks decoded packets by type.
	Received *prometheus.CounterVec

	// Dropped tracks discarded packets by type and reason.
	Dropped *prometheus.CounterVec

	// Forwarded tracks packets relayed toward another node by type.
	Forwarded *prometheus.CounterVec

	// Sent tracks packets handed to the link layer by type.
	Sent *prometheus.CounterVec

	// Delivered tracks client frames handed to the local soft interface.
	Delivered prometheus.Counter

	// RouteChanges tracks router transitions by kind: add, change or delete.
	RouteChanges *prometheus.CounterVec

	// Originators tracks the size of the originator table.
	Originators prometheus.Gauge
}

// NewCounters creates the engine metrics and registers them with registry when it is not nil.
func NewCounters(registry prometheus.Registerer) *Counters {
	c := &Counters{
		Received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "packets_received_total",
				Help:      "Total number of mesh packets received",
			},
			[]string{"type"},
		),

		Dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "packets_dropped_total",
				Help:      "Total number of mesh packets dropped",
			},
			[]string{"type", "reason"},
		),

		Forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "packets_forwarded_total",
				Help:      "Total number of mesh packets forwarded",
			},
			[]string{"type"},
		),

		Sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "packets_sent_total",
				Help:      "Total number of mesh packets sent",
			},
			[]string{"type"},
		),

		Delivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "frames_delivered_total",
				Help:      "Total number of client frames delivered locally",
			},
		),

		RouteChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lattice",
				Name:      "route_changes_total",
				Help:      "Total number of router changes",
			},
			[]string{"kind"},
		),

		Originators: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lattice",
				Name:      "originators",
				Help:      "Number of known originators",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			c.Received,
			c.Dropped,
			c.Forwarded,
			c.Sent,
			c.Delivered,
			c.RouteChanges,
			c.Originators,
		)
	}

	return c
}

func (c *Counters) RecordReceived(typ string) {
	if c == nil {
		return
	}
	c.Received.WithLabelValues(typ).Inc()
}

func (c *Counters) RecordDrop(typ, reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(typ, reason).Inc()
}

func (c *Counters) RecordForward(typ string) {
	if c == nil {
		return
	}
	c.Forwarded.WithLabelValues(typ).Inc()
}

func (c *Counters) RecordSent(typ string) {
	if c == nil {
		return
	}
	c.Sent.WithLabelValues(typ).Inc()
}

func (c *Counters) RecordDelivered() {
	if c == nil {
		return
	}
	c.Delivered.Inc()
}

func (c *Counters) RecordRouteChange(kind string) {
	if c == nil {
		return
	}
	c.RouteChanges.WithLabelValues(kind).Inc()
}

func (c *Counters) SetOriginators(n int) {
	if c == nil {
		return
	}
	c.Originators.Set(float64(n))
}
