package app

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for sweeps, sends and the failure journal.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sweepInvoices *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	escalations   *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	quotaDenials  *prometheus.CounterVec
	failedCalls   *prometheus.CounterVec
	confirmations *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweepInvoices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "sweep_invoices_total",
			Help:      "Invoices evaluated by escalation sweeps, by outcome.",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collections",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of escalation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "escalations_total",
			Help:      "Escalation levels committed, by level.",
		}, []string{"level"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "attempts_total",
			Help:      "Collection attempts, by channel and result.",
		}, []string{"channel", "result"}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "quota_denials_total",
			Help:      "Actions refused by the quota and consent gate, by reason.",
		}, []string{"reason"}),
		failedCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "failed_calls_total",
			Help:      "Failure journal transitions, by source and status.",
		}, []string{"source", "status"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collections",
			Name:      "confirmation_transitions_total",
			Help:      "Payment confirmation status changes, by new status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sweepInvoices,
			m.sweepDuration,
			m.escalations,
			m.attempts,
			m.quotaDenials,
			m.failedCalls,
			m.confirmations,
		)
	}
	return m
}

func (m *Metrics) observeSweep(result SweepResult) {
	if m == nil {
		return
	}
	m.sweepInvoices.WithLabelValues("advanced").Add(float64(result.Advanced))
	m.sweepInvoices.WithLabelValues("skipped").Add(float64(result.Skipped))
	m.sweepInvoices.WithLabelValues("failed").Add(float64(result.Failed))
	m.sweepDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
}

func (m *Metrics) escalated(level string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(level).Inc()
}

func (m *Metrics) attempt(channel, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) quotaDenied(reason string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(reason).Inc()
}

func (m *Metrics) failedCall(source, status string) {
	if m == nil {
		return
	}
	m.failedCalls.WithLabelValues(source, status).Inc()
}

func (m *Metrics) confirmation(status string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(status).Inc()
}
