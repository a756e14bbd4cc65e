// Package scoring wraps the opaque fraud model behind timeout and
// fallback semantics.
package scoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Adapter invokes a versioned model with a hard timeout. A missing model
// response never blocks a transaction: on timeout or error the configured
// fallback probability is substituted and flagged for audit.
type Adapter struct {
	model    domain.Model
	timeout  time.Duration
	fallback float64
}

// NewAdapter creates a scoring adapter.
func NewAdapter(model domain.Model, timeout time.Duration, fallbackProbability float64) *Adapter {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Adapter{
		model:    model,
		timeout:  timeout,
		fallback: fallbackProbability,
	}
}

// Score obtains a fraud probability for the feature vector.
// Never returns an error; degraded paths yield Fallback=true.
func (a *Adapter) Score(ctx context.Context, fv *domain.FeatureVector) *domain.ScoreResult {
	start := time.Now()

	scoreCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		prob float64
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		prob, err := a.model.Score(scoreCtx, fv)
		ch <- outcome{prob: prob, err: err}
	}()

	var result *domain.ScoreResult
	select {
	case out := <-ch:
		if out.err != nil {
			result = a.fallbackResult(fv, start, "model error: "+out.err.Error())
		} else {
			result = &domain.ScoreResult{
				Probability:  clamp01(out.prob),
				ModelVersion: a.model.Version(),
				LatencyMs:    time.Since(start).Milliseconds(),
			}
		}
	case <-scoreCtx.Done():
		// The caller's context expiring is not the model's fault; keep
		// the audit reason honest about which deadline fired.
		if ctx.Err() != nil {
			result = a.fallbackResult(fv, start, "scoring abandoned: "+ctx.Err().Error())
		} else {
			result = a.fallbackResult(fv, start, "model timeout after "+a.timeout.String())
		}
	}

	return result
}

// ModelVersion returns the wrapped model's version.
func (a *Adapter) ModelVersion() string {
	return a.model.Version()
}

func (a *Adapter) fallbackResult(fv *domain.FeatureVector, start time.Time, reason string) *domain.ScoreResult {
	slog.Warn("scoring fallback",
		"tx_id", fv.TxID,
		"model_version", a.model.Version(),
		"reason", reason,
	)
	metrics.ScoringFallbacks.Inc()

	return &domain.ScoreResult{
		Probability:    a.fallback,
		ModelVersion:   a.model.Version(),
		LatencyMs:      time.Since(start).Milliseconds(),
		Fallback:       true,
		FallbackReason: reason,
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
