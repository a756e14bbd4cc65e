package domain

// RuleKind determines a rule's evaluation stage and effect semantics.
// Kinds evaluate in a fixed order: blocks, then allows, then adjustments,
// then thresholds. Within a kind, rules order by ascending Priority then ID.
type RuleKind string

const (
	// RuleKindBlock forces DECLINE when fired. First matching block wins;
	// later block rules are recorded as not evaluated.
	RuleKindBlock RuleKind = "block"

	// RuleKindAllow overrides score-based escalation when fired.
	// A prior block still wins.
	RuleKindAllow RuleKind = "allow"

	// RuleKindAdjust shifts the model probability by Adjustment
	// (clamped to [0,1]) when fired.
	RuleKindAdjust RuleKind = "adjust"

	// RuleKindThreshold compares the adjusted probability against Cutoff.
	// At or above Cutoff the rule escalates to DECLINE; within
	// [ReviewFloor, Cutoff) it escalates to REVIEW.
	RuleKindThreshold RuleKind = "threshold"
)

// RuleConfig defines a fraud decisioning rule.
type RuleConfig struct {
	ID          string `json:"id" yaml:"id"`
	TenantID    string `json:"tenantId" yaml:"tenantId,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description,omitempty"`
	Version     int    `json:"version" yaml:"version,omitempty"`

	Kind RuleKind `json:"kind" yaml:"kind"`

	// Priority orders rules within a kind; lower evaluates first.
	Priority int `json:"priority" yaml:"priority"`

	// Expression is a CEL predicate over the transaction, its features,
	// and the model probability. Must evaluate to bool.
	Expression string `json:"expression" yaml:"expression"`

	// Adjustment applies for kind=adjust when the expression fires.
	Adjustment float64 `json:"adjustment,omitempty" yaml:"adjustment,omitempty"`

	// Cutoff and ReviewFloor apply for kind=threshold.
	Cutoff      float64 `json:"cutoff,omitempty" yaml:"cutoff,omitempty"`
	ReviewFloor float64 `json:"reviewFloor,omitempty" yaml:"reviewFloor,omitempty"`

	// Reason is the human-readable explanation recorded when the rule fires.
	Reason string `json:"reason" yaml:"reason,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RuleEffect is the recorded effect of a fired rule.
type RuleEffect string

const (
	EffectNone    RuleEffect = ""
	EffectBlock   RuleEffect = "block"
	EffectAllow   RuleEffect = "allow"
	EffectAdjust  RuleEffect = "adjust"
	EffectReview  RuleEffect = "review"
	EffectDecline RuleEffect = "decline"
)

// RuleEvaluation is one entry in the ordered audit trail of a rule pass.
// Rules skipped after a decisive block are still recorded, with
// Evaluated=false, so the trail always covers the full rule set.
type RuleEvaluation struct {
	RuleID    string     `json:"ruleId"`
	Kind      RuleKind   `json:"kind"`
	Evaluated bool       `json:"evaluated"`
	Fired     bool       `json:"fired"`
	Effect    RuleEffect `json:"effect,omitempty"`

	// Adjustment holds the applied probability delta for adjust rules.
	Adjustment float64 `json:"adjustment,omitempty"`

	Reason    string `json:"reason,omitempty"`
	ProcessUs int64  `json:"processUs"`
}

// RuleOutcome is the immutable result of evaluating the full rule set
// against one transaction.
type RuleOutcome struct {
	TxID     string `json:"txId"`
	TenantID string `json:"tenantId"`

	// Evaluations lists every loaded rule in evaluation order.
	Evaluations []RuleEvaluation `json:"evaluations"`

	// AdjustedProbability is the model probability after adjust rules.
	AdjustedProbability float64 `json:"adjustedProbability"`

	Blocked   bool `json:"blocked"`
	Allowed   bool `json:"allowed"`
	Escalated bool `json:"escalated"` // a threshold rule requested REVIEW or DECLINE
	Declined  bool `json:"declined"`  // a threshold rule requested DECLINE

	ProcessMs int64 `json:"processMs"`
}

// FiredRules returns the IDs of rules that fired, in evaluation order.
func (o *RuleOutcome) FiredRules() []string {
	var ids []string
	for _, ev := range o.Evaluations {
		if ev.Fired {
			ids = append(ids, ev.RuleID)
		}
	}
	return ids
}

// Reasons returns the recorded reasons of fired rules, in evaluation order.
func (o *RuleOutcome) Reasons() []string {
	var reasons []string
	for _, ev := range o.Evaluations {
		if ev.Fired && ev.Reason != "" {
			reasons = append(reasons, ev.Reason)
		}
	}
	return reasons
}
