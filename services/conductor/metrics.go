package conductor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the engine's instruments on a private registry so two
// engines in one process (tests) never collide.
type metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepsActive  prometheus.Gauge
	callbacks    *prometheus.CounterVec
	sweeps       prometheus.Counter
	reaped       prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "transitions_total",
		Help:      "Provision state transitions applied, by event and resulting state.",
	}, []string{"event", "to"})

	m.stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "step_duration_seconds",
		Help:      "Wall time of hardware interface steps, by transient state.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"state"})

	m.stepsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "steps_active",
		Help:      "Dispatch workers currently executing a step.",
	})

	m.callbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "callbacks_total",
		Help:      "Agent callbacks processed, by result.",
	}, []string{"result"})

	m.sweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "sweeps_total",
		Help:      "Sweeper passes completed.",
	})

	m.reaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "corrald",
		Subsystem: "conductor",
		Name:      "leases_reaped_total",
		Help:      "Expired reservations forcibly released by the sweeper.",
	})

	m.registry.MustRegister(m.transitions, m.stepDuration, m.stepsActive, m.callbacks, m.sweeps, m.reaped)
	return m
}

func (m *metrics) observeStep(state string, started time.Time) {
	m.stepDuration.WithLabelValues(state).Observe(time.Since(started).Seconds())
}

// Registry exposes the engine's metric registry for the process to mount
// behind promhttp.
func (c *Conductor) Registry() *prometheus.Registry { return c.metrics.registry }
