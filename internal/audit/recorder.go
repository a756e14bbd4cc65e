// Package audit persists the append-only decisioning audit trail.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Recorder writes audit records off the decision hot path. A failed
// write never blocks or fails a decision; it is logged, counted, and
// surfaced to the monitoring topic instead.
type Recorder struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(repo domain.Repository, bus domain.EventBus) *Recorder {
	return &Recorder{
		repo:   repo,
		bus:    bus,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record persists one audit record. Records are append-only: the
// recorder never updates or deletes an existing record.
func (r *Recorder) Record(ctx context.Context, record *domain.AuditRecord) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	if err := r.repo.SaveAuditRecord(ctx, record.TenantID, record); err != nil {
		metrics.AuditFailures.Inc()
		r.logger.Error("audit record write failed",
			"tx_id", record.TxID,
			"tenant_id", record.TenantID,
			"error", err)
		r.notifyFailure(ctx, record, err)
	}
}

// notifyFailure publishes an audit failure to the monitoring topic so
// an external collector can alarm on gaps in the trail.
func (r *Recorder) notifyFailure(ctx context.Context, record *domain.AuditRecord, cause error) {
	if r.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.MonitoringEvent{
		Kind:   "audit_failure",
		TxID:   record.TxID,
		Detail: cause.Error(),
	})
	if err != nil {
		return
	}

	if err := r.bus.Publish(ctx, record.TenantID, domain.TopicMonitoring, payload); err != nil {
		r.logger.Warn("monitoring publish failed", "tx_id", record.TxID, "error", err)
	}
}

// Get retrieves the audit record for a transaction.
func (r *Recorder) Get(ctx context.Context, tenantID, txID string) (*domain.AuditRecord, error) {
	return r.repo.GetAuditRecord(ctx, tenantID, txID)
}
