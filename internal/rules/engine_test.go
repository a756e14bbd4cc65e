package rules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTx(amount float64) *domain.Transaction {
	return &domain.Transaction{
		ID:         "tx-1",
		TenantID:   "tenant-a",
		AccountID:  "acct-1",
		CardID:     "card-1",
		MerchantID: "merch-1",
		Amount:     amount,
		Currency:   "USD",
		Channel:    "web",
		Geo:        &domain.Geo{Country: "US", City: "Austin"},
		Timestamp:  time.Now(),
	}
}

func testScore(p float64) *domain.ScoreResult {
	return &domain.ScoreResult{Probability: p, ModelVersion: "logistic-v1"}
}

func testFeatures(pairs map[string]float64) *domain.FeatureVector {
	fv := &domain.FeatureVector{
		TxID:          "tx-1",
		TenantID:      "tenant-a",
		SchemaVersion: "v1",
	}
	for name, val := range pairs {
		fv.Names = append(fv.Names, name)
		fv.Values = append(fv.Values, val)
	}
	return fv
}

func blockRule(id string, priority int, expr string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:         id,
		TenantID:   "tenant-a",
		Kind:       domain.RuleKindBlock,
		Priority:   priority,
		Expression: expr,
		Reason:     "blocked by " + id,
		Enabled:    true,
	}
}

func TestLoadRule(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if err := engine.LoadRule(blockRule("b1", 10, `amount > 1000.0`)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadRuleInvalidExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	err := engine.LoadRule(blockRule("bad", 10, `amount >`))
	if err == nil {
		t.Fatal("expected compile error for invalid expression")
	}
}

func TestLoadRuleNonBoolExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	err := engine.LoadRule(blockRule("non-bool", 10, `amount + 1.0`))
	if err == nil || !strings.Contains(err.Error(), "must return bool") {
		t.Fatalf("expected non-bool rejection, got %v", err)
	}
}

func TestValidateRuleThresholdBands(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	err := engine.ValidateRule(&domain.RuleConfig{
		ID:          "inverted",
		Kind:        domain.RuleKindThreshold,
		Expression:  `true`,
		Cutoff:      0.5,
		ReviewFloor: 0.8,
	})
	if err == nil {
		t.Fatal("expected error for review floor above cutoff")
	}
}

func TestBlockFirstMatchWins(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	// Both blocks match; only the first by priority fires.
	if err := engine.LoadRules([]*domain.RuleConfig{
		blockRule("b-second", 20, `amount > 100.0`),
		blockRule("b-first", 10, `amount > 500.0`),
	}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	outcome := engine.Evaluate(context.Background(), testTx(1000), testScore(0.1), testFeatures(nil))

	if !outcome.Blocked {
		t.Fatal("expected outcome to be blocked")
	}
	if len(outcome.Evaluations) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(outcome.Evaluations))
	}
	first := outcome.Evaluations[0]
	if first.RuleID != "b-first" || !first.Fired {
		t.Errorf("expected b-first to fire first, got %s fired=%v", first.RuleID, first.Fired)
	}
	second := outcome.Evaluations[1]
	if second.RuleID != "b-second" || second.Evaluated {
		t.Errorf("expected b-second skipped, got evaluated=%v", second.Evaluated)
	}
	if second.Reason != "skipped: prior hard block" {
		t.Errorf("unexpected skip reason %q", second.Reason)
	}
}

func TestBlockBeatsAllow(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRules([]*domain.RuleConfig{
		blockRule("block-sanctioned", 10, `merchant_id == "merch-1"`),
		{
			ID:         "allow-whitelist",
			TenantID:   "tenant-a",
			Kind:       domain.RuleKindAllow,
			Priority:   10,
			Expression: `account_id == "acct-1"`,
			Reason:     "whitelisted account",
			Enabled:    true,
		},
	}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	outcome := engine.Evaluate(context.Background(), testTx(50), testScore(0.1), testFeatures(nil))

	// Both recorded as fired, but the block stands.
	if !outcome.Blocked {
		t.Error("expected block to stand despite allow")
	}
	if !outcome.Allowed {
		t.Error("expected allow rule to be recorded as fired")
	}
	for _, ev := range outcome.Evaluations {
		if !ev.Fired {
			t.Errorf("expected rule %s to fire", ev.RuleID)
		}
	}
}

func TestAdjustClampsProbability(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRules([]*domain.RuleConfig{
		{
			ID:         "adj-up",
			Kind:       domain.RuleKindAdjust,
			Priority:   10,
			Expression: `true`,
			Adjustment: 0.9,
			Enabled:    true,
		},
		{
			ID:         "adj-up-again",
			Kind:       domain.RuleKindAdjust,
			Priority:   20,
			Expression: `true`,
			Adjustment: 0.9,
			Enabled:    true,
		},
	}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	outcome := engine.Evaluate(context.Background(), testTx(50), testScore(0.5), testFeatures(nil))
	if outcome.AdjustedProbability != 1.0 {
		t.Errorf("expected probability clamped to 1.0, got %f", outcome.AdjustedProbability)
	}
}

func TestThresholdBands(t *testing.T) {
	tests := []struct {
		name        string
		probability float64
		wantDecline bool
		wantReview  bool
	}{
		{"below floor", 0.30, false, false},
		{"review band", 0.70, false, true},
		{"at cutoff", 0.85, true, false},
		{"above cutoff", 0.95, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := NewEngine()
			defer engine.Close()

			if err := engine.LoadRule(&domain.RuleConfig{
				ID:          "risk-threshold",
				Kind:        domain.RuleKindThreshold,
				Priority:    10,
				Expression:  `true`,
				Cutoff:      0.85,
				ReviewFloor: 0.60,
				Reason:      "risk band",
				Enabled:     true,
			}); err != nil {
				t.Fatalf("failed to load rule: %v", err)
			}

			outcome := engine.Evaluate(context.Background(), testTx(50), testScore(tt.probability), testFeatures(nil))

			if outcome.Declined != tt.wantDecline {
				t.Errorf("declined = %v, want %v", outcome.Declined, tt.wantDecline)
			}
			wantEscalated := tt.wantDecline || tt.wantReview
			if outcome.Escalated != wantEscalated {
				t.Errorf("escalated = %v, want %v", outcome.Escalated, wantEscalated)
			}
		})
	}
}

func TestThresholdSeesAdjustedProbability(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRules([]*domain.RuleConfig{
		{
			ID:         "missing-geo",
			Kind:       domain.RuleKindAdjust,
			Priority:   10,
			Expression: `geo_country == ""`,
			Adjustment: 0.30,
			Enabled:    true,
		},
		{
			ID:          "risk-threshold",
			Kind:        domain.RuleKindThreshold,
			Priority:    10,
			Expression:  `true`,
			Cutoff:      0.85,
			ReviewFloor: 0.60,
			Enabled:     true,
		},
	}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	tx := testTx(50)
	tx.Geo = nil

	// 0.40 base plus 0.30 adjustment lands in the review band.
	outcome := engine.Evaluate(context.Background(), tx, testScore(0.40), testFeatures(nil))

	if outcome.AdjustedProbability < 0.69 || outcome.AdjustedProbability > 0.71 {
		t.Errorf("expected adjusted probability near 0.70, got %f", outcome.AdjustedProbability)
	}
	if !outcome.Escalated || outcome.Declined {
		t.Errorf("expected review escalation, got escalated=%v declined=%v", outcome.Escalated, outcome.Declined)
	}
}

func TestEvaluationOrderByKind(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	// Load in reverse stage order; evaluation must still run
	// block, allow, adjust, threshold.
	if err := engine.LoadRules([]*domain.RuleConfig{
		{ID: "t1", Kind: domain.RuleKindThreshold, Expression: `true`, Cutoff: 0.99, ReviewFloor: 0.98, Enabled: true},
		{ID: "adj1", Kind: domain.RuleKindAdjust, Expression: `false`, Enabled: true},
		{ID: "a1", Kind: domain.RuleKindAllow, Expression: `false`, Enabled: true},
		{ID: "b1", Kind: domain.RuleKindBlock, Expression: `false`, Enabled: true},
	}); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	outcome := engine.Evaluate(context.Background(), testTx(50), testScore(0.1), testFeatures(nil))

	wantOrder := []string{"b1", "a1", "adj1", "t1"}
	if len(outcome.Evaluations) != len(wantOrder) {
		t.Fatalf("expected %d evaluations, got %d", len(wantOrder), len(outcome.Evaluations))
	}
	for i, id := range wantOrder {
		if outcome.Evaluations[i].RuleID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, outcome.Evaluations[i].RuleID)
		}
	}
}

func TestFeatureMapInExpression(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRule(&domain.RuleConfig{
		ID:         "velocity",
		Kind:       domain.RuleKindAdjust,
		Expression: `features["acct_txn_count_1h"] > 20.0`,
		Adjustment: 0.25,
		Enabled:    true,
	}); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	fv := testFeatures(map[string]float64{"acct_txn_count_1h": 25})
	outcome := engine.Evaluate(context.Background(), testTx(50), testScore(0.1), fv)

	if outcome.AdjustedProbability < 0.34 || outcome.AdjustedProbability > 0.36 {
		t.Errorf("expected adjustment applied, got %f", outcome.AdjustedProbability)
	}
}

func TestEvaluationErrorDoesNotFire(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	// References a feature key absent from the map; CEL errors at runtime.
	if err := engine.LoadRule(blockRule("broken", 10, `features["no_such_key"] > 1.0`)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	outcome := engine.Evaluate(context.Background(), testTx(50), testScore(0.1), testFeatures(nil))

	if outcome.Blocked {
		t.Error("broken rule must not block")
	}
	ev := outcome.Evaluations[0]
	if !ev.Evaluated || ev.Fired {
		t.Errorf("expected evaluated but not fired, got evaluated=%v fired=%v", ev.Evaluated, ev.Fired)
	}
	if !strings.Contains(ev.Reason, "evaluation error") {
		t.Errorf("expected evaluation error reason, got %q", ev.Reason)
	}
}

func TestCancelledContextSkipsRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRule(blockRule("b1", 10, `true`)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := engine.Evaluate(ctx, testTx(50), testScore(0.1), testFeatures(nil))

	if outcome.Blocked {
		t.Error("cancelled evaluation must not block")
	}
	if outcome.Evaluations[0].Evaluated {
		t.Error("expected rule recorded as not evaluated")
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRule(blockRule("old", 10, `true`)); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if err := engine.ReloadRules([]*domain.RuleConfig{
		blockRule("new-a", 10, `amount > 10.0`),
		blockRule("new-b", 20, `amount > 20.0`),
		{ID: "disabled", Kind: domain.RuleKindBlock, Expression: `true`, Enabled: false},
	}); err != nil {
		t.Fatalf("failed to reload rules: %v", err)
	}

	if engine.RulesCount() != 2 {
		t.Errorf("expected 2 rules after reload, got %d", engine.RulesCount())
	}
	for _, cfg := range engine.GetLoadedRules() {
		if cfg.ID == "old" || cfg.ID == "disabled" {
			t.Errorf("unexpected rule %s still loaded", cfg.ID)
		}
	}
}

func TestDefaultRulesLoad(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	if err := engine.LoadRules(DefaultRules("tenant-a")); err != nil {
		t.Fatalf("failed to load default rules: %v", err)
	}
	if engine.RulesCount() != 5 {
		t.Errorf("expected 5 default rules, got %d", engine.RulesCount())
	}

	// The hard ceiling declines outright.
	outcome := engine.Evaluate(context.Background(), testTx(150000), testScore(0.1), testFeatures(nil))
	if !outcome.Blocked {
		t.Error("expected amount above hard limit to block")
	}
}
