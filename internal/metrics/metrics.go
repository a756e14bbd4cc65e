// Package metrics exposes Prometheus collectors for the decisioning core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts terminal verdicts by outcome.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "decisions_total",
		Help:      "Terminal decisions by verdict.",
	}, []string{"verdict"})

	// DegradedDecisions counts decisions that took any fallback path.
	DegradedDecisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "degraded_decisions_total",
		Help:      "Decisions produced through a degraded path.",
	})

	// ScoringFallbacks counts model timeouts and errors.
	ScoringFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "scoring_fallbacks_total",
		Help:      "Model invocations resolved with the fallback probability.",
	})

	// DeadlineBreaches counts pipeline-wide deadline hits.
	DeadlineBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "deadline_breaches_total",
		Help:      "Decisions forced to REVIEW by the end-to-end deadline.",
	})

	// AuditFailures counts audit records that could not be persisted.
	AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kestrel",
		Name:      "audit_failures_total",
		Help:      "Audit record writes that failed.",
	})

	// DecisionLatency observes end-to-end decision latency.
	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kestrel",
		Name:      "decision_latency_seconds",
		Help:      "End-to-end transaction decisioning latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .2, .5, 1},
	})
)
