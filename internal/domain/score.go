package domain

import (
	"context"
)

// Model is the opaque scoring capability the decisioning core depends on.
// Implementations are stateless: feature vector in, fraud probability out.
// The core never inspects model internals; it only records the version.
type Model interface {
	// Score returns a fraud probability in [0,1] for the feature vector.
	Score(ctx context.Context, fv *FeatureVector) (float64, error)

	// Version identifies the model for reproducibility and staged rollouts.
	Version() string
}

// ScoreResult is the outcome of one model invocation. Immutable.
type ScoreResult struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"modelVersion"`
	LatencyMs    int64   `json:"latencyMs"`

	// Fallback is true when the configured default probability was
	// substituted because the model timed out or errored.
	Fallback bool `json:"fallback"`

	// FallbackReason explains the degraded path for audit.
	FallbackReason string `json:"fallbackReason,omitempty"`
}
