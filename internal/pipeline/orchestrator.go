// Package pipeline runs the end-to-end decisioning sequence for one
// transaction: feature build, scoring, rule evaluation, verdict, and
// state commit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// EngineVersion is stamped on every decision for audit traceability.
const EngineVersion = "kestrel-1.0"

// decisionCacheTTL bounds how long a decision stays hot for retried
// authorizations.
const decisionCacheTTL = 15 * time.Minute

// Orchestrator owns the decision hot path. Decide always returns a
// verdict for a valid transaction: every degradation (model fallback,
// feature gap, deadline breach) falls through to a conservative
// verdict rather than an error.
type Orchestrator struct {
	engineer *features.Engineer
	scorer   *scoring.Adapter
	engine   *rules.Engine
	recorder *audit.Recorder
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus

	deadline      time.Duration
	approveCutoff float64

	logger *slog.Logger
	wg     sync.WaitGroup
}

// Config holds the orchestrator's decisioning knobs.
type Config struct {
	Deadline      time.Duration
	ApproveCutoff float64
}

// NewOrchestrator wires the decision pipeline together.
func NewOrchestrator(
	engineer *features.Engineer,
	scorer *scoring.Adapter,
	engine *rules.Engine,
	recorder *audit.Recorder,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	cfg Config,
) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 200 * time.Millisecond
	}
	return &Orchestrator{
		engineer:      engineer,
		scorer:        scorer,
		engine:        engine,
		recorder:      recorder,
		repo:          repo,
		cache:         cache,
		bus:           bus,
		deadline:      cfg.Deadline,
		approveCutoff: cfg.ApproveCutoff,
		logger:        slog.Default().With("component", "pipeline"),
	}
}

// Decide produces the decision for a transaction. Repeated calls with
// the same transaction ID return the original decision unchanged.
func (o *Orchestrator) Decide(ctx context.Context, tx *domain.Transaction) (*domain.Decision, error) {
	start := time.Now()

	if tx == nil || tx.ID == "" || tx.TenantID == "" {
		return nil, fmt.Errorf("decide: %w", repository.ErrInvalidInput)
	}

	if existing := o.lookupExisting(ctx, tx); existing != nil {
		return existing, nil
	}

	dctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	fv := o.engineer.Build(dctx, tx)
	score := o.scorer.Score(dctx, fv)
	outcome := o.engine.Evaluate(dctx, tx, score, fv)

	decision := o.resolve(dctx, tx, score, outcome)
	decision.LatencyMs = time.Since(start).Milliseconds()

	// History commit is skipped for runs the deadline cancelled: the
	// aggregates must never see a partial run. For completed runs the
	// commit itself escapes the (now spent) per-transaction deadline.
	if dctx.Err() == nil {
		if err := o.engineer.Commit(context.WithoutCancel(ctx), tx); err != nil {
			o.logger.Error("aggregate commit failed", "tx_id", tx.ID, "error", err)
		}
	}

	o.persist(context.WithoutCancel(ctx), tx, decision)
	if score.Fallback {
		o.noteFallback(context.WithoutCancel(ctx), tx, score)
	}
	o.recordAudit(tx, fv, score, outcome, decision)
	o.publishDecision(context.WithoutCancel(ctx), decision)

	metrics.Decisions.WithLabelValues(string(decision.Verdict)).Inc()
	metrics.DecisionLatency.Observe(time.Since(start).Seconds())
	if decision.Degraded {
		metrics.DegradedDecisions.Inc()
	}

	o.logger.Info("decision",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"verdict", decision.Verdict,
		"probability", decision.Probability,
		"degraded", decision.Degraded,
		"latency_ms", decision.LatencyMs)

	return decision, nil
}

// lookupExisting serves the idempotent retry path: cache first, then
// the durable store.
func (o *Orchestrator) lookupExisting(ctx context.Context, tx *domain.Transaction) *domain.Decision {
	if o.cache != nil {
		if cached, err := o.cache.GetDecision(ctx, tx.TenantID, tx.ID); err == nil && cached != nil {
			return cached
		}
	}

	if o.repo != nil {
		stored, err := o.repo.GetDecisionByTx(ctx, tx.TenantID, tx.ID)
		if err == nil && stored != nil {
			if o.cache != nil {
				_ = o.cache.SetDecision(ctx, tx.TenantID, tx.ID, stored, decisionCacheTTL)
			}
			return stored
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("decision lookup failed", "tx_id", tx.ID, "error", err)
		}
	}

	return nil
}

// resolve maps the pipeline outputs onto a verdict.
func (o *Orchestrator) resolve(dctx context.Context, tx *domain.Transaction, score *domain.ScoreResult, outcome *domain.RuleOutcome) *domain.Decision {
	decision := &domain.Decision{
		ID:            uuid.New().String(),
		TenantID:      tx.TenantID,
		TxID:          tx.ID,
		Probability:   outcome.AdjustedProbability,
		Score:         score,
		RuleOutcome:   outcome,
		Timestamp:     time.Now().UTC(),
		EngineVersion: EngineVersion,
	}

	if score.Fallback {
		decision.Degraded = true
		decision.DegradedReason = append(decision.DegradedReason, "scoring fallback: "+score.FallbackReason)
	}

	// A breached deadline forces REVIEW regardless of what the partial
	// evaluation produced, except a hard block which always declines.
	if dctx.Err() != nil && !outcome.Blocked {
		metrics.DeadlineBreaches.Inc()
		decision.Verdict = domain.VerdictReview
		decision.Degraded = true
		decision.DegradedReason = append(decision.DegradedReason, "decision deadline exceeded")
		return decision
	}

	// Only a hard block outranks an allow override; threshold and
	// adjust outcomes yield to both.
	switch {
	case outcome.Blocked:
		decision.Verdict = domain.VerdictDecline
	case outcome.Allowed:
		decision.Verdict = domain.VerdictApprove
	case outcome.Declined:
		decision.Verdict = domain.VerdictDecline
	case outcome.Escalated:
		decision.Verdict = domain.VerdictReview
	case outcome.AdjustedProbability < o.approveCutoff:
		decision.Verdict = domain.VerdictApprove
	default:
		decision.Verdict = domain.VerdictReview
	}

	return decision
}

// fallbackRateWindow sizes the per-tenant counter behind scoring
// fallback monitoring events.
const fallbackRateWindow = time.Minute

// noteFallback counts scoring fallbacks per tenant and surfaces them on
// the monitoring topic so operators can track the fallback rate.
func (o *Orchestrator) noteFallback(ctx context.Context, tx *domain.Transaction, score *domain.ScoreResult) {
	count := int64(1)
	if o.cache != nil {
		n, err := o.cache.IncrementCounter(ctx, tx.TenantID, "scoring-fallback", fallbackRateWindow)
		if err != nil {
			o.logger.Warn("fallback counter failed", "tx_id", tx.ID, "error", err)
		} else {
			count = n
		}
	}

	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.MonitoringEvent{
		Kind:   "scoring_fallback",
		TxID:   tx.ID,
		Detail: fmt.Sprintf("%s (%d in last %s)", score.FallbackReason, count, fallbackRateWindow),
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, tx.TenantID, domain.TopicMonitoring, payload); err != nil {
		o.logger.Warn("monitoring publish failed", "tx_id", tx.ID, "error", err)
	}
}

// persist writes the transaction and decision; failures are logged and
// the decision is still returned to the caller.
func (o *Orchestrator) persist(ctx context.Context, tx *domain.Transaction, decision *domain.Decision) {
	if o.repo != nil {
		if err := o.repo.SaveTransaction(ctx, tx.TenantID, tx); err != nil {
			o.logger.Error("transaction save failed", "tx_id", tx.ID, "error", err)
		}
		if err := o.repo.SaveDecision(ctx, tx.TenantID, decision); err != nil {
			o.logger.Error("decision save failed", "tx_id", tx.ID, "error", err)
		}
	}
	if o.cache != nil {
		if err := o.cache.SetDecision(ctx, tx.TenantID, tx.ID, decision, decisionCacheTTL); err != nil {
			o.logger.Warn("decision cache failed", "tx_id", tx.ID, "error", err)
		}
	}
}

// recordAudit writes the audit record off the hot path.
func (o *Orchestrator) recordAudit(tx *domain.Transaction, fv *domain.FeatureVector, score *domain.ScoreResult, outcome *domain.RuleOutcome, decision *domain.Decision) {
	if o.recorder == nil {
		return
	}

	record := &domain.AuditRecord{
		TenantID:      tx.TenantID,
		TxID:          tx.ID,
		Transaction:   tx,
		FeatureVector: fv,
		Score:         score,
		RuleOutcome:   outcome,
		Decision:      decision,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.recorder.Record(actx, record)
	}()
}

func (o *Orchestrator) publishDecision(ctx context.Context, decision *domain.Decision) {
	if o.bus == nil {
		return
	}

	payload, err := json.Marshal(decision)
	if err != nil {
		return
	}

	if err := o.bus.Publish(ctx, decision.TenantID, domain.TopicDecision, payload); err != nil {
		o.logger.Warn("decision publish failed", "tx_id", decision.TxID, "error", err)
	}

	if decision.Verdict != domain.VerdictApprove {
		if err := o.bus.Publish(ctx, decision.TenantID, domain.TopicAlert, payload); err != nil {
			o.logger.Warn("alert publish failed", "tx_id", decision.TxID, "error", err)
		}
	}
}

// Close waits for in-flight audit writes to drain.
func (o *Orchestrator) Close() error {
	o.wg.Wait()
	return nil
}
