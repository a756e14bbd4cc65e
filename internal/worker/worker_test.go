package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/featurestore"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

type workerRepo struct {
	domain.Repository

	mu        sync.Mutex
	decisions map[string]*domain.Decision
}

func newWorkerRepo() *workerRepo {
	return &workerRepo{decisions: make(map[string]*domain.Decision)}
}

func (r *workerRepo) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	return nil
}

func (r *workerRepo) SaveDecision(ctx context.Context, tenantID string, d *domain.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decisions[tenantID+"/"+d.TxID]; !exists {
		r.decisions[tenantID+"/"+d.TxID] = d
	}
	return nil
}

func (r *workerRepo) GetDecisionByTx(ctx context.Context, tenantID, txID string) (*domain.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.decisions[tenantID+"/"+txID]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (r *workerRepo) SaveAuditRecord(ctx context.Context, tenantID string, record *domain.AuditRecord) error {
	return nil
}

func newTestOrchestrator(t *testing.T, eventBus domain.EventBus) *pipeline.Orchestrator {
	t.Helper()

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	if err := engine.LoadRules(rules.DefaultRules("tenant-test")); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	repo := newWorkerRepo()
	store := featurestore.New(domain.DefaultWindows(), nil)
	engineer := features.NewEngineer(store)
	scorer := scoring.NewAdapter(scoring.NewLogisticModel(), 50*time.Millisecond, 0.5)
	recorder := audit.NewRecorder(repo, eventBus)

	orch := pipeline.NewOrchestrator(engineer, scorer, engine, recorder, repo, nil, eventBus, pipeline.Config{
		Deadline:      time.Second,
		ApproveCutoff: 0.3,
	})
	t.Cleanup(func() { orch.Close() })

	return orch
}

func TestWorkerStartAndStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := NewWorker(eventBus, newTestOrchestrator(t, eventBus))

	cfg := Config{
		TenantIDs: []string{"tenant-001"},
	}

	if err := worker.Start(cfg); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := worker.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}

	if err := worker.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	stats = worker.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}

func TestWorkerProcessTransaction(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := NewWorker(eventBus, newTestOrchestrator(t, eventBus))

	cfg := Config{
		TenantIDs: []string{"tenant-test"},
	}
	worker.Start(cfg)
	defer worker.Stop()

	// Track decision results
	var decisionReceived atomic.Bool
	var mu sync.Mutex
	var decisionPayload []byte

	eventBus.Subscribe(context.Background(), "tenant-test", domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		decisionPayload = msg.Payload
		mu.Unlock()
		decisionReceived.Store(true)
		return nil
	})

	// Allow subscriptions to be active
	time.Sleep(50 * time.Millisecond)

	ingest := IngestMessage{
		TenantID: "tenant-test",
		Transaction: domain.TransactionRequest{
			ID:         "tx-001",
			AccountID:  "acct-001",
			MerchantID: "merch-001",
			Amount:     domain.Amount{Value: 50.0, Currency: "USD"},
			Channel:    "web",
			Geo:        &domain.Geo{Country: "US"},
		},
	}

	payload, _ := json.Marshal(ingest)
	if err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicTransactionIngested, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Wait for processing
	deadline := time.After(2 * time.Second)
	for !decisionReceived.Load() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for decision")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()

	var decision domain.Decision
	if err := json.Unmarshal(decisionPayload, &decision); err != nil {
		t.Fatalf("failed to unmarshal decision: %v", err)
	}

	if decision.TxID != "tx-001" {
		t.Errorf("expected tx-001, got %s", decision.TxID)
	}
	if decision.Verdict == "" {
		t.Error("expected a verdict")
	}
	if decision.EngineVersion != pipeline.EngineVersion {
		t.Errorf("expected engine version stamp, got %s", decision.EngineVersion)
	}
}

func TestWorkerBadPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	worker := NewWorker(eventBus, newTestOrchestrator(t, eventBus))
	worker.Start(Config{TenantIDs: []string{"tenant-test"}})
	defer worker.Stop()

	time.Sleep(20 * time.Millisecond)

	// Malformed payload must not crash the worker.
	if err := eventBus.Publish(context.Background(), "tenant-test", domain.TopicTransactionIngested, []byte("{not json")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// Worker is still subscribed and healthy.
	if worker.GetStats().SubscriptionCount != 1 {
		t.Error("expected worker to remain subscribed after bad payload")
	}
}
