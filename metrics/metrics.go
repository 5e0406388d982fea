// Package metrics holds the prometheus collectors of the dispatcher and the
// expiry coordinator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catalog"

// Attempt outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeApplication = "application"
	OutcomeNoCandidate = "no_candidate"
)

// Eviction reasons.
const (
	ReasonResolve = "resolve"
	ReasonInvoke  = "invoke"
)

// Sweep results.
const (
	SweepDone      = "done"
	SweepContended = "contended"
	SweepSkipped   = "skipped"
	SweepError     = "error"
)

type Metrics struct {
	Attempts    *prometheus.CounterVec
	Evictions   *prometheus.CounterVec
	Unavailable *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Republished prometheus.Counter
	Swept       prometheus.Counter
	Sweeps      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by interface and outcome.",
		}, []string{"interface", "outcome"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "evictions_total",
			Help:      "Descriptors evicted after a failed attempt.",
		}, []string{"interface", "reason"}),
		Unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "unavailable_total",
			Help:      "Calls that exhausted every attempt.",
		}, []string{"interface"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent in one dispatched call, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interface"}),
		Republished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "republished_total",
			Help:      "Locally owned descriptors republished with a fresh expiry.",
		}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "swept_total",
			Help:      "Expired descriptors removed by a sweep.",
		}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "expiry",
			Name:      "sweeps_total",
			Help:      "Sweep rounds by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(m.Attempts, m.Evictions, m.Unavailable, m.Duration, m.Republished, m.Swept, m.Sweeps)
	}
	return m
}

func (m *Metrics) Attempt(iface, outcome string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(iface, outcome).Inc()
}

func (m *Metrics) Evicted(iface, reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(iface, reason).Inc()
}

func (m *Metrics) Exhausted(iface string) {
	if m == nil {
		return
	}
	m.Unavailable.WithLabelValues(iface).Inc()
}

func (m *Metrics) Observe(iface string, since time.Time) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(iface).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Republish(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Republished.Add(float64(n))
}

// Sweep records one sweep round and the number of removed descriptors.
func (m *Metrics) Sweep(result string, removed int) {
	if m == nil {
		return
	}
	m.Sweeps.WithLabelValues(result).Inc()
	if removed > 0 {
		m.Swept.Add(float64(removed))
	}
}
