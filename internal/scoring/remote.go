package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// RemoteModel calls an external model serving endpoint over HTTP.
// The adapter's timeout bounds each call through the request context;
// the client itself carries no timeout so the budget lives in one place.
type RemoteModel struct {
	endpoint string
	version  string
	client   *http.Client
}

// NewRemoteModel creates a client for a model serving endpoint.
// The version is the deployed model identifier announced by the serving
// infrastructure; it is stamped into every result for reproducibility.
func NewRemoteModel(endpoint, version string) *RemoteModel {
	return &RemoteModel{
		endpoint: endpoint,
		version:  version,
		client:   &http.Client{},
	}
}

type scoreRequest struct {
	SchemaVersion string    `json:"schemaVersion"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
}

type scoreResponse struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"modelVersion,omitempty"`
}

// Score posts the feature vector and returns the served probability.
func (m *RemoteModel) Score(ctx context.Context, fv *domain.FeatureVector) (float64, error) {
	body, err := json.Marshal(scoreRequest{
		SchemaVersion: fv.SchemaVersion,
		Names:         fv.Names,
		Values:        fv.Values,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("model call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode model response: %w", err)
	}

	if out.Probability < 0 || out.Probability > 1 {
		return 0, fmt.Errorf("model returned probability %f outside [0,1]", out.Probability)
	}

	return out.Probability, nil
}

// Version returns the deployed model identifier.
func (m *RemoteModel) Version() string {
	return m.version
}
