// Package metrics holds the client's prometheus collectors. Every method is safe on a nil
// *Metrics so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeAbandoned = "abandoned"
)

type Metrics struct {
	registry *prometheus.Registry

	Submissions         *prometheus.CounterVec
	Rejections          *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	SimulatedStage      prometheus.Gauge
	PersistenceFailures *prometheus.CounterVec
	HealthChecks        *prometheus.CounterVec
	HistoryTurns        prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_submissions_total",
				Help: "Resolved council submissions",
			},
			[]string{"outcome"},
		),
		Rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_submit_rejections_total",
				Help: "Submit calls rejected before any side effect",
			},
			[]string{"reason"}, // "empty" or "in_flight"
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "council_request_duration_seconds",
				Help:    "Wall time of a council query as seen by the client",
				Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
			},
		),
		SimulatedStage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_simulated_stage",
				Help: "Current simulated stage (0 when idle)",
			},
		),
		PersistenceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_persistence_failures_total",
				Help: "History storage failures that were logged and ignored",
			},
			[]string{"op"},
		),
		HealthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "council_health_checks_total",
				Help: "Backend health probes",
			},
			[]string{"result"},
		),
		HistoryTurns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "council_history_turns",
				Help: "Turns currently held in conversation history",
			},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveSubmission(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
	if outcome != OutcomeAbandoned {
		m.RequestDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetStage(stage int) {
	if m == nil {
		return
	}
	m.SimulatedStage.Set(float64(stage))
}

func (m *Metrics) SetHistoryTurns(n int) {
	if m == nil {
		return
	}
	m.HistoryTurns.Set(float64(n))
}

func (m *Metrics) ObservePersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveHealth(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.HealthChecks.WithLabelValues(result).Inc()
}
