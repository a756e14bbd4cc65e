//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel fraud
// decisioning engine.
//
// These tests verify the COMPLETE decisioning pipeline:
//
//	Transaction → Features → Score → Rules → Verdict → Audit
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSACTION: A card authorization (account, card, merchant, amount)
//
// 2. FEATURES: Sliding-window aggregates per account/card/merchant
//    (transaction counts, amount-to-average ratios, novelty signals)
//
// 3. SCORE: A fraud probability in [0,1] from the scoring model
//
// 4. RULES: CEL predicates evaluated in kind order:
//    - block:     hard DECLINE, first match wins
//    - allow:     overrides score-based escalation
//    - adjust:    shifts the probability up or down
//    - threshold: maps the adjusted probability to DECLINE/REVIEW bands
//
// 5. VERDICT: APPROVE, DECLINE, or REVIEW - exactly one per transaction,
//    immutable once made
//
// DEFAULT RULES (seeded on first boot, replaceable via POST /rules):
//
// | Rule ID              | What It Checks                  | Triggers When              |
// |----------------------|---------------------------------|----------------------------|
// | max-amount-block     | Amount above hard ceiling       | amount > 100000            |
// | velocity-burst-adjust| Account burst in the last hour  | acct_txn_count_1h > 20     |
// | high-value-adjust    | Large single authorization      | amount > 50000             |
// | missing-geo-adjust   | No geolocation on the event     | geo_country == ""          |
// | risk-threshold       | Adjusted probability bands      | always applicable          |
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// DecideRequest is the transaction sent to POST /decide
type DecideRequest struct {
	ID         string         `json:"id,omitempty"`
	AccountID  string         `json:"accountId"`
	CardID     string         `json:"cardId,omitempty"`
	MerchantID string         `json:"merchantId"`
	Amount     Amount         `json:"amount"`
	Channel    string         `json:"channel,omitempty"`
	Geo        *Geo           `json:"geo,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Amount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

type Geo struct {
	Country string `json:"country"`
}

// DecideResponse is what POST /decide returns
type DecideResponse struct {
	DecisionID   string           `json:"decisionId"`
	TxID         string           `json:"txId"`
	TenantID     string           `json:"tenantId"`
	Verdict      string           `json:"verdict"` // APPROVE, DECLINE, REVIEW
	Probability  float64          `json:"probability"`
	ModelVersion string           `json:"modelVersion"`
	Fallback     bool             `json:"fallback"`
	Degraded     bool             `json:"degraded"`
	FiredRules   []string         `json:"firedRules"`
	Reasons      []string         `json:"reasons"`
	LatencyMs    int64            `json:"latencyMs"`
	Metadata     ResponseMetadata `json:"metadata"`
}

type ResponseMetadata struct {
	TraceID       string `json:"traceId"`
	EngineVersion string `json:"engineVersion"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func decide(t *testing.T, config TestConfig, req DecideRequest) DecideResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result DecideResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

func get(t *testing.T, config TestConfig, path string, out any) int {
	t.Helper()

	httpReq, err := http.NewRequest("GET", config.BaseURL+path, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

// freshAccount returns identifiers that have no history in the feature
// store, so velocity features start at zero.
func freshAccount(prefix string) (string, string) {
	suffix := uuid.New().String()[:8]
	return prefix + "-acct-" + suffix, prefix + "-card-" + suffix
}

// ============================================================================
// SCENARIO 1: Normal Transaction (APPROVE)
// ============================================================================

func TestNormalTransaction_Approved(t *testing.T) {
	/*
	   SCENARIO: A regular $120 web purchase with geolocation present

	   EXPECTED BEHAVIOR:
	   - No block rule fires (amount far below the hard ceiling)
	   - The logistic model yields a low probability for a small first
	     transaction with geo present
	   - risk-threshold: probability below the review floor → no escalation
	   - Orchestrator: probability below the approve cutoff → APPROVE
	*/
	config := getTestConfig()
	acct, card := freshAccount("normal")

	req := DecideRequest{
		AccountID:  acct,
		CardID:     card,
		MerchantID: "merch-grocery-001",
		Amount:     Amount{Value: 120.00, Currency: "USD"},
		Channel:    "web",
		Geo:        &Geo{Country: "US"},
	}

	result := decide(t, config, req)

	if result.Verdict != "APPROVE" {
		t.Errorf("Expected APPROVE, got %s (probability=%.3f, reasons=%v)",
			result.Verdict, result.Probability, result.Reasons)
	}
	if result.Degraded {
		t.Error("Expected a clean decision, got degraded")
	}
	if result.DecisionID == "" || result.TxID == "" {
		t.Error("Expected decisionId and txId in response")
	}
	if result.Metadata.EngineVersion == "" {
		t.Error("Expected engineVersion in metadata")
	}

	t.Logf("✓ Normal transaction approved: probability=%.3f, latency=%dms",
		result.Probability, result.LatencyMs)
}

// ============================================================================
// SCENARIO 2: Hard Block (DECLINE)
// ============================================================================

func TestHardBlock_Declined(t *testing.T) {
	/*
	   SCENARIO: A $250,000 authorization, far above the hard ceiling

	   EXPECTED BEHAVIOR:
	   - max-amount-block fires: amount > 100000 → DECLINE
	   - The verdict is DECLINE regardless of the model probability
	   - The fired rule and its reason appear in the response
	*/
	config := getTestConfig()
	acct, card := freshAccount("block")

	req := DecideRequest{
		AccountID:  acct,
		CardID:     card,
		MerchantID: "merch-luxury-001",
		Amount:     Amount{Value: 250000.00, Currency: "USD"},
		Channel:    "web",
		Geo:        &Geo{Country: "US"},
	}

	result := decide(t, config, req)

	if result.Verdict != "DECLINE" {
		t.Errorf("Expected DECLINE for blocked amount, got %s", result.Verdict)
	}

	blocked := false
	for _, id := range result.FiredRules {
		if id == "max-amount-block" {
			blocked = true
		}
	}
	if !blocked {
		t.Errorf("Expected max-amount-block in fired rules, got %v", result.FiredRules)
	}
	if len(result.Reasons) == 0 {
		t.Error("Expected a reason explaining the decline")
	}

	t.Logf("✓ Hard block declined: firedRules=%v", result.FiredRules)
}

// ============================================================================
// SCENARIO 3: Block Ceiling Boundary
// ============================================================================

func TestBlockBoundary(t *testing.T) {
	/*
	   SCENARIO: Exactly $100,000 vs $100,000.01

	   EXPECTED BEHAVIOR:
	   - max-amount-block uses strict greater-than: exactly 100000 does
	     not fire the block
	   - One cent above does

	   WHY THIS TEST:
	   Boundary conditions catch off-by-one errors in threshold logic.
	*/
	config := getTestConfig()

	acct1, card1 := freshAccount("boundary-at")
	atLimit := decide(t, config, DecideRequest{
		AccountID:  acct1,
		CardID:     card1,
		MerchantID: "merch-boundary-001",
		Amount:     Amount{Value: 100000.00, Currency: "USD"},
		Geo:        &Geo{Country: "US"},
	})
	for _, id := range atLimit.FiredRules {
		if id == "max-amount-block" {
			t.Errorf("Block fired at exactly $100,000 (expression is strict >)")
		}
	}

	acct2, card2 := freshAccount("boundary-over")
	overLimit := decide(t, config, DecideRequest{
		AccountID:  acct2,
		CardID:     card2,
		MerchantID: "merch-boundary-001",
		Amount:     Amount{Value: 100000.01, Currency: "USD"},
		Geo:        &Geo{Country: "US"},
	})
	if overLimit.Verdict != "DECLINE" {
		t.Errorf("Expected DECLINE one cent above the ceiling, got %s", overLimit.Verdict)
	}

	t.Logf("✓ Boundary: $100,000.00 → %s, $100,000.01 → %s", atLimit.Verdict, overLimit.Verdict)
}

// ============================================================================
// SCENARIO 4: Velocity Burst Raises the Probability
// ============================================================================

func TestVelocityBurst_ProbabilityRises(t *testing.T) {
	/*
	   SCENARIO: 25 rapid-fire authorizations on one account

	   EXPECTED BEHAVIOR:
	   - Each decision commits the transaction into the sliding windows
	     AFTER the decision (exclusive history), so the Nth transaction
	     sees N-1 prior events in acct_txn_count_1h
	   - Once the count passes 20, velocity-burst-adjust fires (+0.25)
	   - The adjusted probability of the last transaction is strictly
	     higher than the first
	*/
	config := getTestConfig()
	acct, card := freshAccount("burst")

	var first, last DecideResponse
	for i := 0; i < 25; i++ {
		result := decide(t, config, DecideRequest{
			AccountID:  acct,
			CardID:     card,
			MerchantID: fmt.Sprintf("merch-burst-%03d", i),
			Amount:     Amount{Value: 80.00, Currency: "USD"},
			Channel:    "web",
			Geo:        &Geo{Country: "US"},
		})
		if i == 0 {
			first = result
		}
		last = result
	}

	if last.Probability <= first.Probability {
		t.Errorf("Expected probability to rise across the burst: first=%.3f last=%.3f",
			first.Probability, last.Probability)
	}

	fired := false
	for _, id := range last.FiredRules {
		if id == "velocity-burst-adjust" {
			fired = true
		}
	}
	if !fired {
		t.Errorf("Expected velocity-burst-adjust to fire on the 25th transaction, got %v",
			last.FiredRules)
	}

	t.Logf("✓ Velocity burst: first=%.3f last=%.3f firedRules=%v",
		first.Probability, last.Probability, last.FiredRules)
}

// ============================================================================
// SCENARIO 5: Idempotency (one decision per transaction)
// ============================================================================

func TestIdempotency_SameDecisionReturned(t *testing.T) {
	/*
	   SCENARIO: The same transaction ID submitted twice

	   EXPECTED BEHAVIOR:
	   - The second call returns the ORIGINAL decision: same decision ID,
	     same verdict, same probability
	   - The replay does not shift the feature windows (the decision is
	     served from the cache or database, not re-decisioned)
	*/
	config := getTestConfig()
	acct, card := freshAccount("idem")
	txID := "tx-idem-" + uuid.New().String()

	req := DecideRequest{
		ID:         txID,
		AccountID:  acct,
		CardID:     card,
		MerchantID: "merch-idem-001",
		Amount:     Amount{Value: 45.00, Currency: "USD"},
		Geo:        &Geo{Country: "US"},
	}

	first := decide(t, config, req)
	second := decide(t, config, req)

	if first.DecisionID != second.DecisionID {
		t.Errorf("Expected same decision ID on replay: %s vs %s",
			first.DecisionID, second.DecisionID)
	}
	if first.Verdict != second.Verdict {
		t.Errorf("Expected same verdict on replay: %s vs %s", first.Verdict, second.Verdict)
	}
	if first.Probability != second.Probability {
		t.Errorf("Expected same probability on replay: %.6f vs %.6f",
			first.Probability, second.Probability)
	}

	t.Logf("✓ Idempotent: decision %s returned on both calls", first.DecisionID)
}

// ============================================================================
// SCENARIO 6: Decision and Audit Retrieval
// ============================================================================

func TestRetrieval_DecisionAndAudit(t *testing.T) {
	/*
	   SCENARIO: Decide a transaction, then fetch it back through every
	   read path: by decision ID, by transaction ID, and the audit trail.

	   EXPECTED BEHAVIOR:
	   - GET /decisions/{id} and GET /transactions/{id}/decision return
	     the decision made at POST time
	   - GET /transactions/{id}/audit returns a record carrying the
	     transaction, feature vector, score, rule trail, and decision
	   - Audit writes are asynchronous, so the trail may land shortly
	     after the decision response
	*/
	config := getTestConfig()
	acct, card := freshAccount("retrieve")
	txID := "tx-retrieve-" + uuid.New().String()

	decided := decide(t, config, DecideRequest{
		ID:         txID,
		AccountID:  acct,
		CardID:     card,
		MerchantID: "merch-retrieve-001",
		Amount:     Amount{Value: 33.00, Currency: "EUR"},
		Geo:        &Geo{Country: "DE"},
	})

	var byID map[string]any
	if code := get(t, config, "/decisions/"+decided.DecisionID, &byID); code != http.StatusOK {
		t.Errorf("GET /decisions/{id}: expected 200, got %d", code)
	}

	var byTx map[string]any
	if code := get(t, config, "/transactions/"+txID+"/decision", &byTx); code != http.StatusOK {
		t.Errorf("GET /transactions/{id}/decision: expected 200, got %d", code)
	} else if byTx["id"] != decided.DecisionID {
		t.Errorf("Expected decision %s by tx lookup, got %v", decided.DecisionID, byTx["id"])
	}

	// Audit is written off the hot path; poll briefly.
	var audit map[string]any
	deadline := time.Now().Add(3 * time.Second)
	for {
		if code := get(t, config, "/transactions/"+txID+"/audit", &audit); code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Audit record never became readable")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if audit["decision"] == nil {
		t.Error("Expected decision in audit record")
	}
	if audit["transaction"] == nil {
		t.Error("Expected transaction in audit record")
	}
	if audit["featureVector"] == nil {
		t.Error("Expected feature vector in audit record")
	}

	t.Logf("✓ Retrieval: decision %s readable by ID, by tx, and via audit", decided.DecisionID)
}

// ============================================================================
// SCENARIO 7: Tenant Isolation
// ============================================================================

func TestTenantIsolation(t *testing.T) {
	/*
	   SCENARIO: Decide under one tenant, read under another

	   EXPECTED BEHAVIOR:
	   - Every read path is tenant-scoped: the other tenant sees 404
	*/
	config := getTestConfig()
	acct, card := freshAccount("isolation")
	txID := "tx-isolation-" + uuid.New().String()

	decide(t, config, DecideRequest{
		ID:         txID,
		AccountID:  acct,
		CardID:     card,
		MerchantID: "merch-isolation-001",
		Amount:     Amount{Value: 10.00, Currency: "USD"},
		Geo:        &Geo{Country: "US"},
	})

	other := TestConfig{BaseURL: config.BaseURL, TenantID: "other-tenant"}
	if code := get(t, other, "/transactions/"+txID, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for cross-tenant transaction read, got %d", code)
	}
	if code := get(t, other, "/transactions/"+txID+"/decision", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for cross-tenant decision read, got %d", code)
	}

	t.Logf("✓ Tenant isolation holds across read paths")
}

// ============================================================================
// SCENARIO 8: Validation Errors
// ============================================================================

func TestValidation_BadRequests(t *testing.T) {
	/*
	   SCENARIO: Requests missing required fields

	   EXPECTED BEHAVIOR: 400 with a JSON error, never a decision
	*/
	config := getTestConfig()

	cases := []struct {
		name string
		req  DecideRequest
	}{
		{"MissingAccount", DecideRequest{MerchantID: "m", Amount: Amount{Value: 10, Currency: "USD"}}},
		{"MissingMerchant", DecideRequest{AccountID: "a", Amount: Amount{Value: 10, Currency: "USD"}}},
		{"ZeroAmount", DecideRequest{AccountID: "a", MerchantID: "m", Amount: Amount{Value: 0, Currency: "USD"}}},
		{"BadCurrency", DecideRequest{AccountID: "a", MerchantID: "m", Amount: Amount{Value: 10, Currency: "DOLLARS"}}},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.req)
			httpReq, _ := http.NewRequest("POST", config.BaseURL+"/decide", bytes.NewReader(body))
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("X-Tenant-ID", config.TenantID)

			resp, err := client.Do(httpReq)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", resp.StatusCode)
			}
		})
	}
}
