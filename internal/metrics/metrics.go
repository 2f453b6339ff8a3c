// Package metrics exposes display status and hub activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "c3ds"

// Display is the per display state the gauges are built from.
type Display struct {
	Slug   string
	Online bool
	// OffsetMS is nil until the display reported its clock.
	OffsetMS *float64
}

// Source provides a fresh snapshot on every scrape.
type Source interface {
	DisplayMetrics() []Display
}

type Metrics struct {
	commands     *prometheus.CounterVec
	execs        *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "commands_total",
				Help:      "Socket commands exchanged with displays.",
			},
			[]string{"cmd", "direction"},
		),
		execs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "exec_total",
				Help:      "Remote execution requests by outcome.",
			},
			[]string{"kind", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Register adds the counters and, when src is not nil, the display gauges to reg.
func (m *Metrics) Register(reg prometheus.Registerer, src Source) error {
	cs := []prometheus.Collector{m.commands, m.execs, m.httpRequests, m.httpDuration}
	if src != nil {
		cs = append(cs, newDisplayCollector(src))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// The recorders accept a nil receiver so callers can run without metrics.

func (m *Metrics) CommandReceived(cmd string) {
	if m != nil {
		m.commands.WithLabelValues(cmd, "in").Inc()
	}
}

func (m *Metrics) CommandSent(cmd string, n int) {
	if m != nil && n > 0 {
		m.commands.WithLabelValues(cmd, "out").Add(float64(n))
	}
}

func (m *Metrics) ExecFinished(kind, outcome string) {
	if m != nil {
		m.execs.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}
