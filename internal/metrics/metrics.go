package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the guardian service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SweepsTotal          prometheus.Counter
	ChecksFailedTotal    prometheus.Counter
	ViolationsTotal      *prometheus.CounterVec
	AutomatonState       *prometheus.GaugeVec
	TransitionsTotal     *prometheus.CounterVec
	ConsensusRoundsTotal *prometheus.CounterVec
	RoundDuration        prometheus.Histogram
	EvasionsTotal        prometheus.Counter
	AuthFailuresTotal    prometheus.Counter
	PeerUnknownTotal     prometheus.Counter
	PeerViolationsTotal  prometheus.Counter
	ReportErrorsTotal    *prometheus.CounterVec
	InboundRejectedTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_sweeps_total",
			Help: "Total number of integrity sweeps",
		}),
		ChecksFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_checks_failed_total",
			Help: "Total number of baseline checks that did not match",
		}),
		ViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_violations_total",
			Help: "Violation events handed to the response automaton",
		}, []string{"protocol", "tier", "kind"}),
		AutomatonState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_automaton_state",
			Help: "Current response automaton state (1 for the active state)",
		}, []string{"state"}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_transitions_total",
			Help: "Response automaton state transitions",
		}, []string{"from", "to"}),
		ConsensusRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_consensus_rounds_total",
			Help: "Consensus rounds by final decision",
		}, []string{"decision", "quorum"}),
		RoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardian_consensus_round_duration_seconds",
			Help:    "Consensus round duration",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		EvasionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_consensus_evasions_total",
			Help: "Consensus rounds with at least one evasion pattern",
		}),
		AuthFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_vote_auth_failures_total",
			Help: "Votes discarded because they failed authentication",
		}),
		PeerUnknownTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_peer_unknown_total",
			Help: "Peer audit queries that returned no answer",
		}),
		PeerViolationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "guardian_peer_violations_total",
			Help: "Peer audit discrepancies reported as violations",
		}),
		ReportErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_report_errors_total",
			Help: "Report sink failures",
		}, []string{"sink"}),
		InboundRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_inbound_rejected_total",
			Help: "Inbound violation reports rejected by validation",
		}, []string{"transport"}),
	}
}

// Registry returns the registry the metrics live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSweep records one sweep and its failed checks
func (m *Metrics) ObserveSweep(failed int) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.ChecksFailedTotal.Add(float64(failed))
}

// IncViolation counts a violation event
func (m *Metrics) IncViolation(protocol, tier, kind string) {
	if m == nil {
		return
	}
	m.ViolationsTotal.WithLabelValues(protocol, tier, kind).Inc()
}

// SetState marks state as the active automaton state
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.AutomatonState.WithLabelValues(s).Set(0)
	}
	m.AutomatonState.WithLabelValues(state).Set(1)
}

// IncTransition counts a state transition
func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveRound records a completed consensus round
func (m *Metrics) ObserveRound(decision string, achieved bool, d time.Duration, evasion bool, authFailures int) {
	if m == nil {
		return
	}
	quorum := "not_achieved"
	if achieved {
		quorum = "achieved"
	}
	m.ConsensusRoundsTotal.WithLabelValues(decision, quorum).Inc()
	m.RoundDuration.Observe(d.Seconds())
	if evasion {
		m.EvasionsTotal.Inc()
	}
	m.AuthFailuresTotal.Add(float64(authFailures))
}

// IncPeerUnknown counts a peer query without an answer
func (m *Metrics) IncPeerUnknown() {
	if m == nil {
		return
	}
	m.PeerUnknownTotal.Inc()
}

// IncPeerViolation counts a peer discrepancy
func (m *Metrics) IncPeerViolation() {
	if m == nil {
		return
	}
	m.PeerViolationsTotal.Inc()
}

// IncReportError counts a report sink failure
func (m *Metrics) IncReportError(sink string) {
	if m == nil {
		return
	}
	m.ReportErrorsTotal.WithLabelValues(sink).Inc()
}

// IncInboundRejected counts an inbound report rejected by validation
func (m *Metrics) IncInboundRejected(transport string) {
	if m == nil {
		return
	}
	m.InboundRejectedTotal.WithLabelValues(transport).Inc()
}
