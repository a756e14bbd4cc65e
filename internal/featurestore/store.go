// Package featurestore maintains rolling per-entity aggregates for
// velocity and behavioral features.
package featurestore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const shardCount = 64

// event is one applied transaction, kept until it ages out of the
// longest window.
type event struct {
	Timestamp time.Time `json:"ts"`
	Amount    float64   `json:"amt"`
	Merchant  string    `json:"mrch,omitempty"`
}

// entry holds one entity's state. The entry mutex serializes mutations
// per entity; entities never contend with each other beyond the brief
// shard map access.
type entry struct {
	mu       sync.Mutex
	events   []event
	lastSeen time.Time
	loaded   bool // durable state already fetched (or confirmed absent)
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a sharded, in-memory aggregate store with lazy window expiry.
// Window values are computed at read time by timestamp subtraction, so
// out-of-order application cannot corrupt windowed sums. An optional
// repository provides durable warm-start snapshots; repository failures
// degrade to zero-state reads and never fail the caller.
type Store struct {
	windows []domain.Window
	maxSpan time.Duration
	shards  [shardCount]*shard
	repo    domain.Repository
}

// New creates a feature store over the given windows.
// The repository is optional; pass nil for a purely in-memory store.
func New(windows []domain.Window, repo domain.Repository) *Store {
	if len(windows) == 0 {
		windows = domain.DefaultWindows()
	}
	s := &Store{
		windows: windows,
		repo:    repo,
	}
	for _, w := range windows {
		if w.Span > s.maxSpan {
			s.maxSpan = w.Span
		}
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

// Windows returns the configured window definitions.
func (s *Store) Windows() []domain.Window {
	return s.windows
}

// Get returns the current aggregate snapshot for an entity, applying lazy
// window expiry as of now. First-seen entities yield a zero-state snapshot,
// never an error.
func (s *Store) Get(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string) (*domain.AggregateSnapshot, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entityID is required")
	}

	e := s.getOrCreate(ctx, tenantID, kind, entityID)

	e.mu.Lock()
	defer e.mu.Unlock()

	return s.snapshotLocked(e, tenantID, kind, entityID, time.Now().UTC()), nil
}

// Apply atomically folds one transaction into the entity's aggregate and
// returns the updated snapshot. If the context is already cancelled no
// mutation happens: a cancelled run must not leave partial updates visible
// to later reads.
func (s *Store) Apply(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string, tx *domain.Transaction) (*domain.AggregateSnapshot, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entityID is required")
	}

	e := s.getOrCreate(ctx, tenantID, kind, entityID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ev := event{
		Timestamp: tx.Timestamp.UTC(),
		Amount:    tx.Amount,
	}
	if kind != domain.EntityMerchant {
		ev.Merchant = tx.MerchantID
	}
	e.events = append(e.events, ev)
	if ev.Timestamp.After(e.lastSeen) {
		e.lastSeen = ev.Timestamp
	}

	now := time.Now().UTC()
	s.trimLocked(e, now)

	snap := s.snapshotLocked(e, tenantID, kind, entityID, now)

	if s.repo != nil {
		s.persistLocked(ctx, e, tenantID, kind, entityID)
	}

	return snap, nil
}

// getOrCreate returns the entity entry, loading durable state on first use.
func (s *Store) getOrCreate(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string) *entry {
	key := tenantID + ":" + string(kind) + ":" + entityID
	sh := s.shards[shardIndex(key)]

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if ok {
		s.warmStart(ctx, e, tenantID, kind, entityID)
		return e
	}

	sh.mu.Lock()
	if e, ok = sh.entries[key]; !ok {
		e = &entry{}
		sh.entries[key] = e
	}
	sh.mu.Unlock()

	s.warmStart(ctx, e, tenantID, kind, entityID)
	return e
}

// warmStart loads the durable snapshot once per entity. A load failure is a
// data gap, not an error: the entity starts from zero state.
func (s *Store) warmStart(ctx context.Context, e *entry, tenantID string, kind domain.EntityKind, entityID string) {
	if s.repo == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return
	}
	e.loaded = true

	state, err := s.repo.GetAggregateState(ctx, tenantID, kind, entityID)
	if err != nil || state == nil {
		if err != nil {
			slog.Debug("aggregate warm-start unavailable",
				"entity_id", entityID,
				"error", err,
			)
		}
		return
	}

	var persisted persistedState
	if err := json.Unmarshal(state, &persisted); err != nil {
		slog.Warn("discarding unreadable aggregate state",
			"entity_id", entityID,
			"error", err,
		)
		return
	}
	e.events = persisted.Events
	e.lastSeen = persisted.LastSeen
}

type persistedState struct {
	Events   []event   `json:"events"`
	LastSeen time.Time `json:"lastSeen"`
}

// persistLocked writes the trimmed event log through to the repository.
// Best effort: a write failure is logged and the in-memory state stays
// authoritative.
func (s *Store) persistLocked(ctx context.Context, e *entry, tenantID string, kind domain.EntityKind, entityID string) {
	state, err := json.Marshal(persistedState{Events: e.events, LastSeen: e.lastSeen})
	if err != nil {
		return
	}
	if err := s.repo.SaveAggregateState(ctx, tenantID, kind, entityID, state); err != nil {
		slog.Warn("failed to persist aggregate state",
			"entity_id", entityID,
			"error", err,
		)
	}
}

// trimLocked drops events older than the longest window so per-entity state
// stays bounded without a background sweep.
func (s *Store) trimLocked(e *entry, now time.Time) {
	cutoff := now.Add(-s.maxSpan)
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	e.events = kept
}

// snapshotLocked computes window values as of the observation time.
func (s *Store) snapshotLocked(e *entry, tenantID string, kind domain.EntityKind, entityID string, asOf time.Time) *domain.AggregateSnapshot {
	snap := &domain.AggregateSnapshot{
		TenantID: tenantID,
		Kind:     kind,
		EntityID: entityID,
		Windows:  make(map[string]domain.WindowStats, len(s.windows)),
		LastSeen: e.lastSeen,
		AsOf:     asOf,
	}

	merchants := make(map[string]struct{})
	for _, w := range s.windows {
		cutoff := asOf.Add(-w.Span)
		var stats domain.WindowStats
		for _, ev := range e.events {
			if ev.Timestamp.After(cutoff) && !ev.Timestamp.After(asOf) {
				stats.Count++
				stats.Sum += ev.Amount
			}
		}
		snap.Windows[w.Name] = stats
	}

	maxCutoff := asOf.Add(-s.maxSpan)
	for _, ev := range e.events {
		if ev.Merchant != "" && ev.Timestamp.After(maxCutoff) && !ev.Timestamp.After(asOf) {
			merchants[ev.Merchant] = struct{}{}
		}
	}
	snap.DistinctMerchants = int64(len(merchants))

	return snap
}

// EntityCount returns the number of tracked entities, for diagnostics.
func (s *Store) EntityCount() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// WindowNames returns the configured window names in span order.
func (s *Store) WindowNames() []string {
	names := make([]string, len(s.windows))
	sorted := make([]domain.Window, len(s.windows))
	copy(sorted, s.windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Span < sorted[j].Span })
	for i, w := range sorted {
		names[i] = w.Name
	}
	return names
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
