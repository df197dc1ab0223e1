// Package telemetry exposes prometheus metrics for the billing core.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

type Metrics struct {
	usageDecisions      *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	versionConflicts    prometheus.Counter
	walletMismatches    prometheus.Counter
	jobRuns             *prometheus.CounterVec
	jobErrors           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	invoicesGenerated   prometheus.Counter
	snapshotsComputed   prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		usageDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "usage_decisions_total",
			Help:      "Usage meter decisions by feature and outcome.",
		}, []string{"feature", "decision"}),
		webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "webhook_events_total",
			Help:      "Payment provider events by type and result.",
		}, []string{"type", "result"}),
		versionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "version_conflicts_total",
			Help:      "Optimistic lock conflicts observed on subscription writes.",
		}),
		walletMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "wallet_reconciliation_mismatches_total",
			Help:      "Wallets whose cached balance diverged from the transaction log.",
		}),
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job executions.",
		}, []string{"job"}),
		jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "scheduler_job_errors_total",
			Help:      "Scheduler job failures.",
		}, []string{"job"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tablier",
			Name:      "scheduler_job_duration_seconds",
			Help:      "Scheduler job wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		invoicesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "invoices_generated_total",
			Help:      "Invoices produced at period boundaries.",
		}),
		snapshotsComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "tablier",
			Name:      "revenue_snapshots_total",
			Help:      "Revenue analytics snapshots computed.",
		}),
	}
}

func (m *Metrics) IncUsageDecision(feature, decision string) {
	if m == nil {
		return
	}
	m.usageDecisions.WithLabelValues(feature, decision).Inc()
}

func (m *Metrics) IncWebhookEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) IncWalletMismatch() {
	if m == nil {
		return
	}
	m.walletMismatches.Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncInvoiceGenerated() {
	if m == nil {
		return
	}
	m.invoicesGenerated.Inc()
}

func (m *Metrics) IncSnapshotComputed() {
	if m == nil {
		return
	}
	m.snapshotsComputed.Inc()
}

// Module provides the shared metrics registry.
var Module = fx.Module("telemetry",
	fx.Provide(New),
)
