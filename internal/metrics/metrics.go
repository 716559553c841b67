// Package metrics holds the Prometheus collectors shared by the ledger,
// the analyzers and the audit orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_ledger_appends_total",
		Help: "Ledger append attempts by entry type and outcome.",
	}, []string{"entry_type", "outcome"})

	LedgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerguard_ledger_append_duration_seconds",
		Help:    "Time spent holding the per-entity append lock.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_chain_verifications_total",
		Help: "Chain verifications by result (verified or breached).",
	}, []string{"result"})

	Discrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_chain_discrepancies_total",
		Help: "Chain discrepancies found by kind.",
	}, []string{"kind"})

	AnalyzerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerguard_analyzer_duration_seconds",
		Help:    "Duration of individual analyzer runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"analyzer"})

	AuditVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerguard_audit_verdicts_total",
		Help: "Full audit runs by overall status.",
	}, []string{"status"})
)

// ObserveSince records the elapsed time since start for an analyzer.
func ObserveSince(analyzer string, start time.Time) {
	AnalyzerDuration.WithLabelValues(analyzer).Observe(time.Since(start).Seconds())
}
