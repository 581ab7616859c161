// Package metrics exposes Prometheus instruments for the triage engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	violationsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_violations_ingested_total",
		Help: "Violations observed by the normalizer, by source and outcome (new, seen, reopened, resolved)",
	}, []string{"source", "outcome"})

	scansRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_scans_rejected_total",
		Help: "Evaluator batches rejected as malformed",
	}, []string{"source"})

	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_decisions_total",
		Help: "Routing decisions by decision and environment",
	}, []string{"decision", "environment"})

	fixerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_fixer_calls_total",
		Help: "External fixer invocations by mode and result",
	}, []string{"mode", "result"})

	fixerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policygate_fixer_duration_seconds",
		Help:    "External fixer latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	downgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policygate_autofix_downgrades_total",
		Help: "Auto-fix decisions downgraded to human approval after fixer failure",
	})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_proposal_transitions_total",
		Help: "Proposal state transitions",
	}, []string{"from", "to"})

	executing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "policygate_proposals_executing",
		Help: "Proposals currently holding resource locks in executing",
	})

	nearMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policygate_expiry_near_misses_total",
		Help: "Pending proposals observed past expiry on a read path",
	})

	conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "policygate_concurrency_conflicts_total",
		Help: "Approved proposals queued behind overlapping executions",
	})

	rolloutChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_rollout_stage_changes_total",
		Help: "Rollout stage changes by kind (promote, rollback) and trigger (auto, operator)",
	}, []string{"kind", "trigger"})

	ledgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policygate_ledger_entries_total",
		Help: "Activity ledger appends by kind",
	}, []string{"kind"})
)

func ViolationIngested(source, outcome string, n int) {
	if n > 0 {
		violationsIngested.WithLabelValues(source, outcome).Add(float64(n))
	}
}

func ScanRejected(source string) { scansRejected.WithLabelValues(source).Inc() }

func Decision(decision, environment string) {
	decisions.WithLabelValues(decision, environment).Inc()
}

// FixerCall records one invocation and its latency
func FixerCall(mode string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "error"
	}
	fixerCalls.WithLabelValues(mode, result).Inc()
	fixerDuration.WithLabelValues(mode).Observe(seconds)
}

func Downgrade() { downgrades.Inc() }

func Transition(from, to string) { transitions.WithLabelValues(from, to).Inc() }

func ExecutingInc() { executing.Inc() }

func ExecutingDec() { executing.Dec() }

func NearMiss() { nearMisses.Inc() }

func Conflict() { conflicts.Inc() }

func RolloutChange(kind string, automatic bool) {
	trigger := "operator"
	if automatic {
		trigger = "auto"
	}
	rolloutChanges.WithLabelValues(kind, trigger).Inc()
}

func LedgerEntry(kind string) { ledgerEntries.WithLabelValues(kind).Inc() }

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
