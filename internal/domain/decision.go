package domain

import (
	"time"
)

// Verdict is the terminal outcome of one decisioning run.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictDecline Verdict = "DECLINE"
	VerdictReview  Verdict = "REVIEW"
)

// Decision is the immutable terminal output of one pipeline run.
// Each transaction ID maps to exactly one Decision.
type Decision struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	TxID     string  `json:"txId"`
	Verdict  Verdict `json:"verdict"`

	// Probability is the adjusted fraud probability the verdict was based on.
	Probability float64 `json:"probability"`

	Score       *ScoreResult `json:"score,omitempty"`
	RuleOutcome *RuleOutcome `json:"ruleOutcome,omitempty"`

	// Degraded is true when any fallback path contributed: model fallback,
	// feature-store gap, or deadline breach. Degraded APPROVEs and confident
	// APPROVEs are distinguishable downstream.
	Degraded       bool     `json:"degraded"`
	DegradedReason []string `json:"degradedReason,omitempty"`

	Timestamp     time.Time `json:"timestamp"`
	EngineVersion string    `json:"engineVersion"`
	LatencyMs     int64     `json:"latencyMs"`
}

// DecisionResponse is the API response for a transaction decision.
type DecisionResponse struct {
	DecisionID   string   `json:"decisionId"`
	TxID         string   `json:"txId"`
	TenantID     string   `json:"tenantId"`
	Verdict      Verdict  `json:"verdict"`
	Probability  float64  `json:"probability"`
	ModelVersion string   `json:"modelVersion"`
	Fallback     bool     `json:"fallback"`
	Degraded     bool     `json:"degraded"`
	FiredRules   []string `json:"firedRules,omitempty"`
	Reasons      []string `json:"reasons,omitempty"`
	LatencyMs    int64    `json:"latencyMs"`
	Metadata     struct {
		TraceID       string `json:"traceId"`
		EngineVersion string `json:"engineVersion"`
	} `json:"metadata"`
}

// ToResponse converts a Decision to an API response.
func (d *Decision) ToResponse(traceID string) *DecisionResponse {
	resp := &DecisionResponse{
		DecisionID:  d.ID,
		TxID:        d.TxID,
		TenantID:    d.TenantID,
		Verdict:     d.Verdict,
		Probability: d.Probability,
		Degraded:    d.Degraded,
		LatencyMs:   d.LatencyMs,
	}
	if d.Score != nil {
		resp.ModelVersion = d.Score.ModelVersion
		resp.Fallback = d.Score.Fallback
	}
	if d.RuleOutcome != nil {
		resp.FiredRules = d.RuleOutcome.FiredRules()
		resp.Reasons = d.RuleOutcome.Reasons()
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.EngineVersion = d.EngineVersion
	return resp
}

// AuditRecord ties together everything one decisioning run produced.
// Append-only; never mutated or deleted after creation.
type AuditRecord struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	TxID          string         `json:"txId"`
	Transaction   *Transaction   `json:"transaction"`
	FeatureVector *FeatureVector `json:"featureVector,omitempty"`
	Score         *ScoreResult   `json:"score,omitempty"`
	RuleOutcome   *RuleOutcome   `json:"ruleOutcome,omitempty"`
	Decision      *Decision      `json:"decision"`
	RecordedAt    time.Time      `json:"recordedAt"`
}
