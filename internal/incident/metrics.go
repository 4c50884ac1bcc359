package incident

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/coldwatch/internal/bus"
)

// Metrics holds Prometheus metrics for the incident pipeline.
type Metrics struct {
	IncidentsTotal   *prometheus.CounterVec
	IncidentDuration *prometheus.HistogramVec
	PlansTotal       *prometheus.CounterVec
	PlanConfidence   prometheus.Histogram
	ValidationsTotal *prometheus.CounterVec
	CallsTotal       *prometheus.CounterVec
	ApprovalsTotal   *prometheus.CounterVec
	RegenRoundsTotal prometheus.Counter
	StaleRoundsTotal prometheus.Counter
	CostAvoidedTotal prometheus.Counter
	EventsDropped    *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_incidents_total",
			Help: "Incidents reaching a settled state, by state.",
		}, []string{"state"}),
		IncidentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldwatch_incident_duration_seconds",
			Help:    "Time from detection to a settled state in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~68m
		}, []string{"state"}),
		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_plans_total",
			Help: "Generated plans by strategy.",
		}, []string{"strategy"}),
		PlanConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coldwatch_plan_confidence",
			Help:    "Confidence score of generated plans.",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11), // 0.5 .. 1.0
		}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_validations_total",
			Help: "Plan validations by result.",
		}, []string{"result"}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_calls_total",
			Help: "Voice calls by final status.",
		}, []string{"status"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_approvals_total",
			Help: "Approval signals by outcome.",
		}, []string{"approved"}),
		RegenRoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldwatch_regeneration_rounds_total",
			Help: "Plan regeneration rounds started.",
		}),
		StaleRoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldwatch_stale_rounds_total",
			Help: "Late callbacks discarded because their round was superseded.",
		}),
		CostAvoidedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coldwatch_cost_avoided_dollars_total",
			Help: "Cumulative averted loss reported on resolutions.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coldwatch_events_dropped_total",
			Help: "Bus events dropped because a subscriber's queue was full.",
		}, []string{"subscriber", "type"}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.IncidentDuration,
		m.PlansTotal,
		m.PlanConfidence,
		m.ValidationsTotal,
		m.CallsTotal,
		m.ApprovalsTotal,
		m.RegenRoundsTotal,
		m.StaleRoundsTotal,
		m.CostAvoidedTotal,
		m.EventsDropped,
	)

	return m
}

// DropHook returns a bus.OnDrop callback that counts dropped events.
func (m *Metrics) DropHook() func(subscriber string, evType bus.Type) {
	return func(subscriber string, evType bus.Type) {
		m.EventsDropped.WithLabelValues(subscriber, string(evType)).Inc()
	}
}

// The inc* helpers are nil-safe so the Service can run without metrics in
// tests and dev setups.

func (m *Metrics) incSettled(inc *Incident) {
	if m == nil {
		return
	}
	m.IncidentsTotal.WithLabelValues(string(inc.State)).Inc()
	if !inc.CreatedAt.IsZero() && !inc.UpdatedAt.IsZero() {
		m.IncidentDuration.WithLabelValues(string(inc.State)).
			Observe(inc.UpdatedAt.Sub(inc.CreatedAt).Seconds())
	}
}

func (m *Metrics) incPlan(strategy string, confidence float64) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(strategy).Inc()
	m.PlanConfidence.Observe(confidence)
}

func (m *Metrics) incValidation(result string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incCall(status string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incApproval(approved bool) {
	if m == nil {
		return
	}
	if approved {
		m.ApprovalsTotal.WithLabelValues("true").Inc()
	} else {
		m.ApprovalsTotal.WithLabelValues("false").Inc()
	}
}

func (m *Metrics) incRegenRound() {
	if m == nil {
		return
	}
	m.RegenRoundsTotal.Inc()
}

func (m *Metrics) incStaleRound() {
	if m == nil {
		return
	}
	m.StaleRoundsTotal.Inc()
}

func (m *Metrics) addCostAvoided(cost int64) {
	if m == nil {
		return
	}
	m.CostAvoidedTotal.Add(float64(cost))
}
