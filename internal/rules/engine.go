// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates decisioning rules in a fixed deterministic order:
// hard blocks, then allow overrides, then score adjustments, then
// threshold rules. First-match-wins applies to blocks; once one fires
// the remaining block rules are skipped but still recorded in the
// outcome, so the audit trail always covers the full rule set.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	ordered       []*CompiledRule
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine() (*Engine, error) {
	// CEL environment over transaction fields, engineered features,
	// and the (possibly adjusted) model probability.
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("card_id", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("geo_country", cel.StringType),
		cel.Variable("probability", cel.DoubleType),
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	e.reorderLocked()

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	e.reorderLocked()

	return nil
}

// Evaluate runs the full rule set against a transaction and its score.
// Every loaded rule appears in the outcome in evaluation order; rules
// skipped by a decisive block or a cancelled context are recorded with
// Evaluated=false.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult, fv *domain.FeatureVector) *domain.RuleOutcome {
	start := time.Now()

	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	outcome := &domain.RuleOutcome{
		TxID:                tx.ID,
		TenantID:            tx.TenantID,
		AdjustedProbability: score.Probability,
		Evaluations:         make([]domain.RuleEvaluation, 0, len(ordered)),
	}

	activation := buildActivation(tx, fv)

	for _, rule := range ordered {
		ev := domain.RuleEvaluation{
			RuleID: rule.Config.ID,
			Kind:   rule.Config.Kind,
		}

		if err := ctx.Err(); err != nil {
			ev.Reason = "skipped: run cancelled"
			outcome.Evaluations = append(outcome.Evaluations, ev)
			continue
		}

		if rule.Config.Kind == domain.RuleKindBlock && outcome.Blocked {
			ev.Reason = "skipped: prior hard block"
			outcome.Evaluations = append(outcome.Evaluations, ev)
			continue
		}

		ruleStart := time.Now()
		ev.Evaluated = true
		activation["probability"] = outcome.AdjustedProbability

		fired, err := e.evalPredicate(rule, activation)
		if err != nil {
			// A broken rule never decides a transaction by itself.
			ev.Reason = fmt.Sprintf("evaluation error: %v", err)
			ev.ProcessUs = time.Since(ruleStart).Microseconds()
			outcome.Evaluations = append(outcome.Evaluations, ev)
			continue
		}

		if fired {
			switch rule.Config.Kind {
			case domain.RuleKindBlock:
				ev.Fired = true
				ev.Effect = domain.EffectBlock
				ev.Reason = rule.Config.Reason
				outcome.Blocked = true

			case domain.RuleKindAllow:
				ev.Fired = true
				ev.Effect = domain.EffectAllow
				ev.Reason = rule.Config.Reason
				outcome.Allowed = true

			case domain.RuleKindAdjust:
				ev.Fired = true
				ev.Effect = domain.EffectAdjust
				ev.Adjustment = rule.Config.Adjustment
				ev.Reason = rule.Config.Reason
				outcome.AdjustedProbability = clamp01(outcome.AdjustedProbability + rule.Config.Adjustment)

			case domain.RuleKindThreshold:
				// The expression gates applicability; the escalation
				// itself compares the adjusted probability.
				p := outcome.AdjustedProbability
				switch {
				case p >= rule.Config.Cutoff:
					ev.Fired = true
					ev.Effect = domain.EffectDecline
					ev.Reason = rule.Config.Reason
					outcome.Escalated = true
					outcome.Declined = true
				case p >= rule.Config.ReviewFloor:
					ev.Fired = true
					ev.Effect = domain.EffectReview
					ev.Reason = rule.Config.Reason
					outcome.Escalated = true
				}
			}
		}

		ev.ProcessUs = time.Since(ruleStart).Microseconds()
		outcome.Evaluations = append(outcome.Evaluations, ev)
	}

	outcome.ProcessMs = time.Since(start).Milliseconds()
	return outcome
}

// evalPredicate evaluates a rule's CEL expression to a boolean.
func (e *Engine) evalPredicate(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, err
	}
	fired, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expression did not produce bool", rule.Config.ID)
	}
	return fired, nil
}

func buildActivation(tx *domain.Transaction, fv *domain.FeatureVector) map[string]any {
	geoCountry := ""
	if tx.Geo != nil {
		geoCountry = tx.Geo.Country
	}

	var featureMap map[string]float64
	if fv != nil {
		featureMap = fv.Map()
	} else {
		featureMap = map[string]float64{}
	}

	return map[string]any{
		"amount":      tx.Amount,
		"currency":    tx.Currency,
		"account_id":  tx.AccountID,
		"card_id":     tx.CardID,
		"merchant_id": tx.MerchantID,
		"channel":     tx.Channel,
		"geo_country": geoCountry,
		"features":    featureMap,
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rule configurations in
// evaluation order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.ordered))
	for _, compiled := range e.ordered {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.ordered = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	switch cfg.Kind {
	case domain.RuleKindBlock, domain.RuleKindAllow, domain.RuleKindAdjust, domain.RuleKindThreshold:
	default:
		return nil, fmt.Errorf("rule %s: unknown kind %q", cfg.ID, cfg.Kind)
	}

	if cfg.Kind == domain.RuleKindThreshold && cfg.ReviewFloor > cfg.Cutoff {
		return nil, fmt.Errorf("rule %s: review floor %.2f above cutoff %.2f", cfg.ID, cfg.ReviewFloor, cfg.Cutoff)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// reorderLocked rebuilds the deterministic evaluation order:
// kind stage, then priority, then rule ID as the final tiebreaker.
func (e *Engine) reorderLocked() {
	ordered := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, r := range e.compiledRules {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].Config, ordered[j].Config
		if kindRank(a.Kind) != kindRank(b.Kind) {
			return kindRank(a.Kind) < kindRank(b.Kind)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	e.ordered = ordered
}

func kindRank(k domain.RuleKind) int {
	switch k {
	case domain.RuleKindBlock:
		return 0
	case domain.RuleKindAllow:
		return 1
	case domain.RuleKindAdjust:
		return 2
	case domain.RuleKindThreshold:
		return 3
	default:
		return 4
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
