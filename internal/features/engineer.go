// Package features converts raw transactions plus feature-store lookups
// into fixed-schema feature vectors.
package features

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/featurestore"
)

// Engineer builds feature vectors from pre-update aggregate state.
//
// Build reads history only: the transaction under evaluation never
// contributes to its own velocity features, so re-scoring a retried
// transaction without re-committing yields an identical vector.
// Commit is the separate second step that folds the transaction into
// the aggregates once the pipeline decides to keep it.
type Engineer struct {
	store *featurestore.Store
}

// NewEngineer creates a feature engineer over the given store.
func NewEngineer(store *featurestore.Store) *Engineer {
	return &Engineer{store: store}
}

// Build derives the feature vector for a transaction from current history.
// Missing upstream data degrades to sentinel values (0 for counts and flags);
// a feature-store failure is a data gap, never a build failure.
func (e *Engineer) Build(ctx context.Context, tx *domain.Transaction) *domain.FeatureVector {
	acct := e.lookup(ctx, tx.TenantID, domain.EntityAccount, tx.AccountID)
	merch := e.lookup(ctx, tx.TenantID, domain.EntityMerchant, tx.MerchantID)

	var card *domain.AggregateSnapshot
	if tx.CardID != "" {
		card = e.lookup(ctx, tx.TenantID, domain.EntityCard, tx.CardID)
	}

	names := schemaNames()
	values := make([]float64, len(names))
	set := func(name string, v float64) {
		for i, n := range names {
			if n == name {
				values[i] = v
				return
			}
		}
	}

	set(FeatAmount, tx.Amount)
	set(FeatLogAmount, math.Log1p(math.Max(tx.Amount, 0)))
	set(FeatHourOfDay, float64(tx.Timestamp.UTC().Hour()))

	switch tx.Channel {
	case "web":
		set(FeatChannelWeb, 1)
	case "pos":
		set(FeatChannelPOS, 1)
	case "atm":
		set(FeatChannelATM, 1)
	case "app":
		set(FeatChannelApp, 1)
	}

	if tx.Geo == nil || tx.Geo.Country == "" {
		set(FeatGeoMissing, 1)
	}

	if acct != nil && acct.Seen() {
		set(FeatAcctSeen, 1)
		set(FeatAcctSecondsSinceLast, math.Max(tx.Timestamp.Sub(acct.LastSeen).Seconds(), 0))
	}
	set(FeatAcctTxnCount1h, windowCount(acct, "1h"))
	set(FeatAcctAmountSum1h, windowSum(acct, "1h"))
	set(FeatAcctTxnCount24h, windowCount(acct, "24h"))
	set(FeatAcctAmountSum24h, windowSum(acct, "24h"))
	set(FeatAcctTxnCount7d, windowCount(acct, "7d"))
	set(FeatAcctAmountSum7d, windowSum(acct, "7d"))
	if acct != nil {
		set(FeatAcctDistinctMerchants, float64(acct.DistinctMerchants))
	}

	// Amount relative to the account's 24h average, EPS-guarded.
	count24 := windowCount(acct, "24h")
	if count24 > 0 {
		avg := windowSum(acct, "24h") / count24
		set(FeatAmountToAvg24h, tx.Amount/(avg+EPS))
	}

	set(FeatCardTxnCount1h, windowCount(card, "1h"))
	set(FeatCardTxnCount24h, windowCount(card, "24h"))

	set(FeatMerchTxnCount1h, windowCount(merch, "1h"))
	set(FeatMerchTxnCount24h, windowCount(merch, "24h"))

	return &domain.FeatureVector{
		TxID:          tx.ID,
		TenantID:      tx.TenantID,
		SchemaVersion: SchemaVersion,
		Names:         names,
		Values:        values,
		BuiltAt:       time.Now().UTC(),
	}
}

// Commit folds the transaction into all involved entity aggregates.
// Called after Build so features stay exclusive-history; the orchestrator
// skips Commit entirely for cancelled runs.
func (e *Engineer) Commit(ctx context.Context, tx *domain.Transaction) error {
	if _, err := e.store.Apply(ctx, tx.TenantID, domain.EntityAccount, tx.AccountID, tx); err != nil {
		return err
	}
	if _, err := e.store.Apply(ctx, tx.TenantID, domain.EntityMerchant, tx.MerchantID, tx); err != nil {
		return err
	}
	if tx.CardID != "" {
		if _, err := e.store.Apply(ctx, tx.TenantID, domain.EntityCard, tx.CardID, tx); err != nil {
			return err
		}
	}
	return nil
}

// lookup fetches a snapshot, treating store failures as data gaps.
func (e *Engineer) lookup(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string) *domain.AggregateSnapshot {
	if entityID == "" {
		return nil
	}
	snap, err := e.store.Get(ctx, tenantID, kind, entityID)
	if err != nil {
		slog.Debug("feature lookup degraded to defaults",
			"kind", kind,
			"entity_id", entityID,
			"error", err,
		)
		return nil
	}
	return snap
}

func windowCount(snap *domain.AggregateSnapshot, window string) float64 {
	if snap == nil {
		return 0
	}
	return float64(snap.Windows[window].Count)
}

func windowSum(snap *domain.AggregateSnapshot, window string) float64 {
	if snap == nil {
		return 0
	}
	return snap.Windows[window].Sum
}
