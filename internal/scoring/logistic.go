package scoring

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
)

// LogisticModel is the built-in deterministic scoring model: a weighted
// logistic over the engineered features. It exists so the pipeline runs
// end to end without external model serving; weights track the feature
// set that separated fraud in offline analysis (drained-balance ratios,
// velocity spikes, log-amount).
type LogisticModel struct {
	version string
	bias    float64
	weights map[string]float64
}

// NewLogisticModel creates the built-in model.
func NewLogisticModel() *LogisticModel {
	return &LogisticModel{
		version: "logistic-v1",
		bias:    -4.0,
		weights: map[string]float64{
			features.FeatLogAmount:             0.35,
			features.FeatAmountToAvg24h:        0.18,
			features.FeatAcctTxnCount1h:        0.22,
			features.FeatCardTxnCount1h:        0.20,
			features.FeatMerchTxnCount1h:       0.02,
			features.FeatGeoMissing:            0.60,
			features.FeatChannelWeb:            0.15,
			features.FeatAcctSeen:              -0.80,
			features.FeatAcctDistinctMerchants: 0.05,
		},
	}
}

// Score computes sigmoid(bias + w·x) over the named features.
func (m *LogisticModel) Score(ctx context.Context, fv *domain.FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	z := m.bias
	for i, name := range fv.Names {
		if w, ok := m.weights[name]; ok {
			z += w * fv.Values[i]
		}
	}
	return 1.0 / (1.0 + math.Exp(-z)), nil
}

// Version returns the model identifier.
func (m *LogisticModel) Version() string {
	return m.version
}
