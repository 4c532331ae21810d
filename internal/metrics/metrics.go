// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provider call metrics
var (
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_provider_calls_total",
			Help: "Gmail API calls by operation and outcome class",
		},
		[]string{"op", "outcome"},
	)

	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_provider_retries_total",
			Help: "Retries scheduled after a transient or rate-limited outcome",
		},
		[]string{"op"},
	)

	QuotaUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_quota_units_total",
			Help: "Quota units reserved by operation",
		},
		[]string{"op"},
	)

	QuotaWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inboxrules_quota_wait_seconds",
			Help:    "Time spent waiting for quota before a call",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	QuotaThrottlesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inboxrules_quota_throttles_total",
			Help: "Rate-limit signals that lowered the effective window",
		},
	)
)

// Rule run metrics
var (
	MessagesScannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_messages_scanned_total",
			Help: "Messages fetched and evaluated per rule",
		},
		[]string{"rule"},
	)

	MessagesMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_messages_matched_total",
			Help: "Messages that satisfied a rule",
		},
		[]string{"rule"},
	)

	ActionsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_actions_applied_total",
			Help: "Messages an action was applied to, dry runs included",
		},
		[]string{"action", "dry_run"},
	)

	RunErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inboxrules_run_errors_total",
			Help: "Error records emitted during rule runs by kind",
		},
		[]string{"kind"},
	)

	RuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inboxrules_rule_duration_seconds",
			Help:    "Wall time to match and execute one rule",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule"},
	)
)

// DryRunLabel renders a dry-run flag as a label value.
func DryRunLabel(dryRun bool) string {
	if dryRun {
		return "true"
	}
	return "false"
}
