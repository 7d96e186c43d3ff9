// Package stats exports SockJS session, connection and packet statistics as
// Prometheus metrics.
//
// A Collector is passed to sockjshttp.WithStats. Packets are counted in
// application messages, before they are batched into array frames.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of the collector totals.
type Snapshot struct {
	SessionsActive    int64 `json:"sessions_active"`
	SessionsOpened    int64 `json:"sessions_opened"`
	ConnectionsActive int64 `json:"connections_active"`
	ConnectionsOpened int64 `json:"connections_opened"`
	PacketsSent       int64 `json:"packets_sent"`
	PacketsReceived   int64 `json:"packets_received"`
}

// Collector records statistics for one SockJS handler.
type Collector struct {
	sessActive *prometheus.GaugeVec
	sessOpened *prometheus.CounterVec
	connActive *prometheus.GaugeVec
	connOpened *prometheus.CounterVec
	packSent   prometheus.Counter
	packRecv   prometheus.Counter
	totals     [6]atomic.Int64
}

const (
	iSessActive = iota
	iSessOpened
	iConnActive
	iConnOpened
	iPackSent
	iPackRecv
)

// New creates a Collector and registers its metrics with reg. A nil reg
// leaves the metrics unregistered.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		sessActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions currently open.",
		}, []string{"transport"}),
		sessOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Sessions opened.",
		}, []string{"transport"}),
		connActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Physical transport connections currently held.",
		}, []string{"transport"}),
		connOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "opened_total",
			Help:      "Physical transport connections accepted.",
		}, []string{"transport"}),
		packSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "sent_total",
			Help:      "Application messages sent to clients.",
		}),
		packRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "packets",
			Name:      "received_total",
			Help:      "Application messages received from clients.",
		}),
	}
	if reg != nil {
		for _, m := range []prometheus.Collector{c.sessActive, c.sessOpened, c.connActive, c.connOpened, c.packSent, c.packRecv} {
			if err := reg.Register(m); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// MustNew is like New but panics if registration fails.
func MustNew(reg prometheus.Registerer, namespace string) *Collector {
	c, err := New(reg, namespace)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collector) SessionOpened(transport string) {
	c.sessActive.WithLabelValues(transport).Inc()
	c.sessOpened.WithLabelValues(transport).Inc()
	c.totals[iSessActive].Add(1)
	c.totals[iSessOpened].Add(1)
}

func (c *Collector) SessionClosed(transport string) {
	c.sessActive.WithLabelValues(transport).Dec()
	c.totals[iSessActive].Add(-1)
}

func (c *Collector) ConnOpened(transport string) {
	c.connActive.WithLabelValues(transport).Inc()
	c.connOpened.WithLabelValues(transport).Inc()
	c.totals[iConnActive].Add(1)
	c.totals[iConnOpened].Add(1)
}

func (c *Collector) ConnClosed(transport string) {
	c.connActive.WithLabelValues(transport).Dec()
	c.totals[iConnActive].Add(-1)
}

func (c *Collector) PacketsSent(n int) {
	if n <= 0 {
		return
	}
	c.packSent.Add(float64(n))
	c.totals[iPackSent].Add(int64(n))
}

func (c *Collector) PacketsReceived(n int) {
	if n <= 0 {
		return
	}
	c.packRecv.Add(float64(n))
	c.totals[iPackRecv].Add(int64(n))
}

// Snapshot returns the totals across all transports.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsActive:    c.totals[iSessActive].Load(),
		SessionsOpened:    c.totals[iSessOpened].Load(),
		ConnectionsActive: c.totals[iConnActive].Load(),
		ConnectionsOpened: c.totals[iConnOpened].Load(),
		PacketsSent:       c.totals[iPackSent].Load(),
		PacketsReceived:   c.totals[iPackRecv].Load(),
	}
}
