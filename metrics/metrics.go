// Package metrics wraps prometheus counters and timers behind a small
// factory surface (NewRegisteredMeter, Meter.Mark, Timer.UpdateSince).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var registry = prometheus.NewRegistry()

// Registry exposes the underlying prometheus registry for a /metrics
// HTTP handler to serve.
func Registry() *prometheus.Registry { return registry }

// Meter is a monotonic counter.
type Meter struct {
	c prometheus.Counter
}

// NewRegisteredMeter creates and registers a counter under name.
func NewRegisteredMeter(name, help string) *Meter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	registry.MustRegister(c)
	return &Meter{c: c}
}

// Mark increments the meter by n.
func (m *Meter) Mark(n int64) {
	if m == nil {
		return
	}
	m.c.Add(float64(n))
}

// Timer is a duration histogram.
type Timer struct {
	h prometheus.Histogram
}

// NewRegisteredTimer creates and registers a histogram under name.
func NewRegisteredTimer(name, help string) *Timer {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20),
	})
	registry.MustRegister(h)
	return &Timer{h: h}
}

// UpdateSince records the duration elapsed since start.
func (t *Timer) UpdateSince(start time.Time) {
	if t == nil {
		return
	}
	t.h.Observe(time.Since(start).Seconds())
}

// Gauge is an up-down counter.
type Gauge struct {
	g prometheus.Gauge
}

// NewRegisteredGauge creates and registers a gauge under name.
func NewRegisteredGauge(name, help string) *Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	registry.MustRegister(g)
	return &Gauge{g: g}
}

// Update sets the gauge to v.
func (g *Gauge) Update(v float64) {
	if g == nil {
		return
	}
	g.g.Set(v)
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.g.Inc()
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.g.Dec()
}
