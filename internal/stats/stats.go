// Package stats tracks the running byte counters the relay loop reports
// on SIGUSR1, and optionally exposes them as Prometheus metrics.
package stats

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gonetcat"
	subsystem = "session"
)

// Counters holds the two monotonic byte counters: bytes written toward
// the main (network) endpoint and bytes written toward the slave
// (stdio or tunnel) endpoint.
type Counters struct {
	sent atomic.Uint64
	recv atomic.Uint64

	collector *Collector
}

// AddSent records n bytes written toward the main endpoint.
func (c *Counters) AddSent(n int) {
	if n <= 0 {
		return
	}
	c.sent.Add(uint64(n))
	if c.collector != nil {
		c.collector.BytesSent.Add(float64(n))
	}
}

// AddRecv records n bytes written toward the slave endpoint.
func (c *Counters) AddRecv(n int) {
	if n <= 0 {
		return
	}
	c.recv.Add(uint64(n))
	if c.collector != nil {
		c.collector.BytesRecv.Add(float64(n))
	}
}

// Sent and Recv return the exact current counter values.
func (c *Counters) Sent() uint64 { return c.sent.Load() }
func (c *Counters) Recv() uint64 { return c.recv.Load() }

// Attach wires a Prometheus collector so future AddSent/AddRecv calls
// also update the exported counters.
func (c *Counters) Attach(collector *Collector) {
	c.collector = collector
}

// Format renders a byte count in human scale (k/M/G/T) with the exact
// count in parentheses, e.g. "1.4k (1420)".
func Format(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d (%d)", n, n)
	}

	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	scaled := float64(n) / float64(div)
	suffix := "kMGT"[exp]
	return fmt.Sprintf("%.1f%c (%d)", scaled, suffix, n)
}

// Summary renders both counters as the multiplexer's SIGUSR1 report.
func Summary(c *Counters) string {
	return fmt.Sprintf("sent %s, received %s", Format(c.Sent()), Format(c.Recv()))
}

// Collector exposes session byte counters to Prometheus, modeled on the
// namespace/subsystem registration pattern used for BFD session
// metrics: a small, explicitly constructed set of counters registered
// against a caller-supplied registerer rather than the global default.
type Collector struct {
	BytesSent prometheus.Counter
	BytesRecv prometheus.Counter
}

// NewCollector creates a Collector with both counters registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Total bytes written toward the main (network) endpoint.",
		}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes written toward the slave (stdio or tunnel) endpoint.",
		}),
	}

	reg.MustRegister(c.BytesSent, c.BytesRecv)
	return c
}
