package changes

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/makerchecker/internal/observability"
)

type ledgerMetrics struct {
	submitted *prometheus.CounterVec
	resolved  *prometheus.CounterVec
	conflicts *prometheus.CounterVec
}

func newLedgerMetrics(reg prometheus.Registerer) *ledgerMetrics {
	if reg == nil {
		return nil
	}
	return &ledgerMetrics{
		submitted: observability.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_changes_submitted_total",
			Help: "Change records submitted by table and action.",
		}, []string{"table", "action"})),
		resolved: observability.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_changes_resolved_total",
			Help: "Change records resolved by table and terminal status.",
		}, []string{"table", "status"})),
		conflicts: observability.RegisterCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_changes_resolve_conflicts_total",
			Help: "Resolve attempts rejected because the record was no longer pending.",
		}, []string{"table"})),
	}
}

func (m *ledgerMetrics) submit(rec ChangeRecord) {
	if m != nil {
		m.submitted.WithLabelValues(rec.Table, string(rec.Action)).Inc()
	}
}

func (m *ledgerMetrics) resolve(rec ChangeRecord) {
	if m != nil {
		m.resolved.WithLabelValues(rec.Table, string(rec.Status)).Inc()
	}
}

func (m *ledgerMetrics) conflict(table string) {
	if m != nil {
		m.conflicts.WithLabelValues(table).Inc()
	}
}
