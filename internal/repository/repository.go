// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransaction stores a transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	geo, _ := json.Marshal(tx.Geo)
	metadata, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions (
			id, tenant_id, account_id, card_id, merchant_id,
			amount, currency, channel, geo,
			timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.AccountID, tx.CardID, tx.MerchantID,
		tx.Amount, tx.Currency, tx.Channel, string(geo),
		tx.Timestamp, tx.CreatedAt, string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, account_id, card_id, merchant_id,
			   amount, currency, channel, geo,
			   timestamp, created_at, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var geo, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.AccountID, &tx.CardID, &tx.MerchantID,
		&tx.Amount, &tx.Currency, &tx.Channel, &geo,
		&tx.Timestamp, &tx.CreatedAt, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if geo != "" && geo != "null" {
		json.Unmarshal([]byte(geo), &tx.Geo)
	}
	if metadata != "" && metadata != "null" {
		json.Unmarshal([]byte(metadata), &tx.Metadata)
	}

	return &tx, nil
}

// SaveDecision stores a decision with tenant isolation. The unique
// constraint on (tenant_id, tx_id) keeps the first decision in place
// when a retried transaction races its own persistence.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, decision *domain.Decision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	score, _ := json.Marshal(decision.Score)
	outcome, _ := json.Marshal(decision.RuleOutcome)
	degradedReason, _ := json.Marshal(decision.DegradedReason)

	degraded := 0
	if decision.Degraded {
		degraded = 1
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, tx_id, verdict, probability,
			score, rule_outcome, degraded, degraded_reason,
			timestamp, engine_version, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, tx_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		decision.ID, tenantID, decision.TxID, string(decision.Verdict), decision.Probability,
		string(score), string(outcome), degraded, string(degradedReason),
		decision.Timestamp, decision.EngineVersion, decision.LatencyMs,
	)
	return err
}

// GetDecision retrieves a decision by decision ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := decisionSelect + ` WHERE tenant_id = ? AND id = ?`
	return r.scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID))
}

// GetDecisionByTx retrieves the decision for a transaction with tenant isolation.
func (r *SQLRepository) GetDecisionByTx(ctx context.Context, tenantID string, txID string) (*domain.Decision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := decisionSelect + ` WHERE tenant_id = ? AND tx_id = ?`
	return r.scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
}

const decisionSelect = `
	SELECT id, tenant_id, tx_id, verdict, probability,
		   score, rule_outcome, degraded, degraded_reason,
		   timestamp, engine_version, latency_ms
	FROM decisions
`

func (r *SQLRepository) scanDecision(row *sql.Row) (*domain.Decision, error) {
	var d domain.Decision
	var verdict, score, outcome, degradedReason string
	var degraded int

	err := row.Scan(
		&d.ID, &d.TenantID, &d.TxID, &verdict, &d.Probability,
		&score, &outcome, &degraded, &degradedReason,
		&d.Timestamp, &d.EngineVersion, &d.LatencyMs,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Verdict = domain.Verdict(verdict)
	d.Degraded = degraded == 1
	if score != "" && score != "null" {
		json.Unmarshal([]byte(score), &d.Score)
	}
	if outcome != "" && outcome != "null" {
		json.Unmarshal([]byte(outcome), &d.RuleOutcome)
	}
	if degradedReason != "" && degradedReason != "null" {
		json.Unmarshal([]byte(degradedReason), &d.DegradedReason)
	}

	return &d, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, version, kind, priority,
			expression, adjustment, cutoff, review_floor, reason, enabled,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			kind = excluded.kind,
			priority = excluded.priority,
			expression = excluded.expression,
			adjustment = excluded.adjustment,
			cutoff = excluded.cutoff,
			review_floor = excluded.review_floor,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Version, string(rule.Kind), rule.Priority,
		rule.Expression, rule.Adjustment, rule.Cutoff, rule.ReviewFloor,
		rule.Reason, enabled, now, now,
	)
	return err
}

// GetRuleConfig retrieves the latest enabled version of a rule with tenant isolation.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, tenantID string, ruleID string) (*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, kind, priority,
			   expression, adjustment, cutoff, review_floor, reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	var cfg domain.RuleConfig
	var kind string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID).Scan(
		&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
		&cfg.Version, &kind, &cfg.Priority,
		&cfg.Expression, &cfg.Adjustment, &cfg.Cutoff, &cfg.ReviewFloor,
		&cfg.Reason, &enabled,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg.Kind = domain.RuleKind(kind)
	cfg.Enabled = enabled == 1

	return &cfg, nil
}

// ListRuleConfigs retrieves all active rule configurations for a tenant.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, kind, priority,
			   expression, adjustment, cutoff, review_floor, reason, enabled
		FROM rule_configs
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY kind, priority, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var kind string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &cfg.Description,
			&cfg.Version, &kind, &cfg.Priority,
			&cfg.Expression, &cfg.Adjustment, &cfg.Cutoff, &cfg.ReviewFloor,
			&cfg.Reason, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Kind = domain.RuleKind(kind)
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// SaveAggregateState upserts the durable warm-start state for an entity.
func (r *SQLRepository) SaveAggregateState(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string, state []byte) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO aggregate_states (tenant_id, kind, entity_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, kind, entity_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, string(kind), entityID, state, time.Now().UTC(),
	)
	return err
}

// GetAggregateState retrieves the durable warm-start state for an entity.
func (r *SQLRepository) GetAggregateState(ctx context.Context, tenantID string, kind domain.EntityKind, entityID string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT state FROM aggregate_states
		WHERE tenant_id = ? AND kind = ? AND entity_id = ?
	`

	var state []byte
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(kind), entityID).Scan(&state)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return state, nil
}

// SaveAuditRecord appends an audit record. Records are never updated.
func (r *SQLRepository) SaveAuditRecord(ctx context.Context, tenantID string, record *domain.AuditRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	query := `
		INSERT INTO audit_records (id, tenant_id, tx_id, record, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		record.ID, tenantID, record.TxID, string(payload), record.RecordedAt,
	)
	return err
}

// GetAuditRecord retrieves the audit record for a transaction.
func (r *SQLRepository) GetAuditRecord(ctx context.Context, tenantID string, txID string) (*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT record FROM audit_records
		WHERE tenant_id = ? AND tx_id = ?
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(&payload)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record domain.AuditRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode audit record: %w", err)
	}

	return &record, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
