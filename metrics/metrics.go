// Package metrics exposes Prometheus collectors that report task and HITL
// activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	tasksTotal    *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	tasksActive   prometheus.Gauge
	hitlRequests  *prometheus.CounterVec
	hitlDuration  *prometheus.HistogramVec
	agentCostUSD  prometheus.Counter
	agentTurns    prometheus.Counter
	eventsDropped prometheus.Counter
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created only once to avoid duplicate
// registration panics when the server is constructed more than once in a
// process (as unit tests do).
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the given registerer. Pass a
// fresh registry in tests. Registration errors panic, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrelay",
				Subsystem: "tasks",
				Name:      "total",
				Help:      "Tasks finished, labelled by outcome.",
			},
			[]string{"outcome"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentrelay",
				Subsystem: "tasks",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of finished tasks.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		tasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentrelay",
				Subsystem: "tasks",
				Name:      "active",
				Help:      "Tasks currently running or waiting on a response.",
			},
		),
		hitlRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentrelay",
				Subsystem: "hitl",
				Name:      "requests_total",
				Help:      "Human-in-the-loop requests raised, labelled by kind and resolution.",
			},
			[]string{"kind", "resolution"},
		),
		hitlDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentrelay",
				Subsystem: "hitl",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a human response.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"kind"},
		),
		agentCostUSD: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentrelay",
				Subsystem: "agent",
				Name:      "cost_usd_total",
				Help:      "Cumulative backend-reported cost of completed runs.",
			},
		),
		agentTurns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentrelay",
				Subsystem: "agent",
				Name:      "turns_total",
				Help:      "Cumulative backend-reported turns of completed runs.",
			},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentrelay",
				Subsystem: "agent",
				Name:      "events_dropped_total",
				Help:      "Backend stream lines that produced no event.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.tasksTotal, m.taskDuration, m.tasksActive,
		m.hitlRequests, m.hitlDuration,
		m.agentCostUSD, m.agentTurns, m.eventsDropped,
	} {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}
	return m
}

// TaskStarted marks a task as active.
func (m *Metrics) TaskStarted() {
	m.tasksActive.Inc()
}

// TaskFinished records a terminal outcome (completed, failed, cancelled).
func (m *Metrics) TaskFinished(outcome string, duration time.Duration) {
	m.tasksActive.Dec()
	m.tasksTotal.WithLabelValues(outcome).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

// HITLResolved records one finished wait and how it ended (responded,
// timed_out, interrupted, auto_approved).
func (m *Metrics) HITLResolved(kind, resolution string, waited time.Duration) {
	m.hitlRequests.WithLabelValues(kind, resolution).Inc()
	if waited > 0 {
		m.hitlDuration.WithLabelValues(kind).Observe(waited.Seconds())
	}
}

// RunCompleted adds backend-reported usage for a completed run.
func (m *Metrics) RunCompleted(costUSD float64, turns int) {
	if costUSD > 0 {
		m.agentCostUSD.Add(costUSD)
	}
	if turns > 0 {
		m.agentTurns.Add(float64(turns))
	}
}

// EventDropped counts one stream line that was skipped during normalization.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
