package domain

import (
	"time"
)

// EntityKind classifies the key space of the feature store.
type EntityKind string

const (
	EntityAccount  EntityKind = "account"
	EntityCard     EntityKind = "card"
	EntityMerchant EntityKind = "merchant"
)

// Window defines a sliding aggregation window.
type Window struct {
	Name string        `json:"name"`
	Span time.Duration `json:"span"`
}

// DefaultWindows returns the standard velocity windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1h", Span: time.Hour},
		{Name: "24h", Span: 24 * time.Hour},
		{Name: "7d", Span: 7 * 24 * time.Hour},
	}
}

// WindowStats holds the rolling statistics of one window at a point in time.
type WindowStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// AggregateSnapshot is an immutable view of one entity's rolling aggregates,
// computed at read time. Expired events contribute nothing: window values are
// derived by timestamp subtraction against the observation time, never by the
// order events arrived in.
type AggregateSnapshot struct {
	TenantID string     `json:"tenantId"`
	Kind     EntityKind `json:"kind"`
	EntityID string     `json:"entityId"`

	// Per-window rolling stats, keyed by window name.
	Windows map[string]WindowStats `json:"windows"`

	// Distinct counterparty merchants seen within the longest window.
	// Zero for merchant entities.
	DistinctMerchants int64 `json:"distinctMerchants"`

	// LastSeen is the zero time for first-seen entities.
	LastSeen time.Time `json:"lastSeen"`

	// AsOf is the observation time the windows were evaluated at.
	AsOf time.Time `json:"asOf"`
}

// Seen reports whether the entity had any prior history at snapshot time.
func (s *AggregateSnapshot) Seen() bool {
	return !s.LastSeen.IsZero()
}

// FeatureVector is the fixed-schema numeric representation of a transaction
// plus its historical context. Immutable once built; values are positionally
// aligned with the schema's feature names.
type FeatureVector struct {
	TxID          string    `json:"txId"`
	TenantID      string    `json:"tenantId"`
	SchemaVersion string    `json:"schemaVersion"`
	Names         []string  `json:"names"`
	Values        []float64 `json:"values"`
	BuiltAt       time.Time `json:"builtAt"`
}

// Get returns the value of a named feature and whether it exists in the schema.
func (fv *FeatureVector) Get(name string) (float64, bool) {
	for i, n := range fv.Names {
		if n == name {
			return fv.Values[i], true
		}
	}
	return 0, false
}

// Map returns the vector as a name->value map for rule activation.
func (fv *FeatureVector) Map() map[string]float64 {
	m := make(map[string]float64, len(fv.Names))
	for i, n := range fv.Names {
		m[n] = fv.Values[i]
	}
	return m
}
