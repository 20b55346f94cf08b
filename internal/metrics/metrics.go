// Package metrics holds the Prometheus collectors crowdgate exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "crowdgate"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ClaimOutcomes      *prometheus.CounterVec
	ClaimSettleRetries prometheus.Counter
	ClaimDuration      prometheus.Histogram
	Yields             prometheus.Counter
	OrphansReclaimed   prometheus.Counter
	AdmissionDecisions *prometheus.CounterVec
	RecordsAppended    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "outcomes_total",
			Help:      "Unit claim attempts by outcome.",
		}, []string{"outcome"}),
		ClaimSettleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "settle_retries_total",
			Help:      "Post-verify reads repeated while waiting for the unit index to converge.",
		}),
		ClaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "duration_seconds",
			Help:      "Wall time of a complete claim attempt.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		Yields: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "yields_total",
			Help:      "Tentative claims withdrawn after losing an election.",
		}),
		OrphansReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "claim",
			Name:      "orphans_reclaimed_total",
			Help:      "Active rows released by the orphan reaper.",
		}),
		AdmissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Worker admission decisions by resulting state.",
		}, []string{"state"}),
		RecordsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "appended_total",
			Help:      "Data records written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ClaimOutcomes,
			m.ClaimSettleRetries,
			m.ClaimDuration,
			m.Yields,
			m.OrphansReclaimed,
			m.AdmissionDecisions,
			m.RecordsAppended,
		)
	}
	return m
}

func (m *Metrics) ClaimOutcome(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ClaimOutcomes.WithLabelValues(outcome).Inc()
	m.ClaimDuration.Observe(seconds)
}

func (m *Metrics) SettleRetry() {
	if m == nil {
		return
	}
	m.ClaimSettleRetries.Inc()
}

func (m *Metrics) Yield() {
	if m == nil {
		return
	}
	m.Yields.Inc()
}

func (m *Metrics) Reclaimed(n int) {
	if m == nil {
		return
	}
	m.OrphansReclaimed.Add(float64(n))
}

func (m *Metrics) Admission(state string) {
	if m == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordAppended() {
	if m == nil {
		return
	}
	m.RecordsAppended.Inc()
}
