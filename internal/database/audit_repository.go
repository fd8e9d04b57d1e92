package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// AuditRepository handles append-only audit trail operations. There are no
// update or single-row delete operations on audit entries.
type AuditRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sqlx.DB, logger *slog.Logger) *AuditRepository {
	return &AuditRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// CreateBatch appends a batch of audit entries
func (r *AuditRepository) CreateBatch(ctx context.Context, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_entries (
			id, incident_id, workflow_id, actor, action, details, created_at
		) VALUES (
			:id, :incident_id, :workflow_id, :actor, :action, :details, :created_at
		)`

	return r.Transaction(func(tx *sqlx.Tx) error {
		for _, entry := range entries {
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = time.Now()
			}
			if _, err := tx.NamedExecContext(ctx, query, entry); err != nil {
				r.logger.Error("Failed to append audit entry",
					"incident_id", entry.IncidentID,
					"action", entry.Action,
					"error", err)
				return fmt.Errorf("failed to append audit entry: %w", err)
			}
		}
		return nil
	})
}

// ListByIncident retrieves the audit trail for an incident
func (r *AuditRepository) ListByIncident(ctx context.Context, incidentID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT * FROM audit_entries
		WHERE incident_id = $1
		ORDER BY created_at ASC
		LIMIT $2`

	var entries []*AuditEntry
	err := r.db.SelectContext(ctx, &entries, query, incidentID, limit)
	if err != nil {
		r.logger.Error("Failed to list audit entries", "incident_id", incidentID, "error", err)
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	return entries, nil
}

// CleanupOld removes audit entries past the statutory retention window
func (r *AuditRepository) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old audit entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}

	return int(deleted), nil
}
