package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// WorkflowRepository handles workflow data operations
type WorkflowRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *sqlx.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new workflow
func (r *WorkflowRepository) Create(ctx context.Context, workflow *Workflow) error {
	query := `
		INSERT INTO workflows (
			id, incident_id, regulation, state, priority, deadline,
			escalation_level, escalation_events, scheduled_ids, completed_ids,
			failed_ids, details, completed_at, created_at, updated_at
		) VALUES (
			:id, :incident_id, :regulation, :state, :priority, :deadline,
			:escalation_level, :escalation_events, :scheduled_ids, :completed_ids,
			:failed_ids, :details, :completed_at, :created_at, :updated_at
		)`

	workflow.CreatedAt = time.Now()
	workflow.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, workflow)
	if err != nil {
		r.logger.Error("Failed to create workflow",
			"workflow_id", workflow.ID,
			"incident_id", workflow.IncidentID,
			"regulation", workflow.Regulation,
			"error", err)
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	r.logger.Info("Workflow created",
		"workflow_id", workflow.ID,
		"incident_id", workflow.IncidentID,
		"regulation", workflow.Regulation,
		"deadline", workflow.Deadline)
	return nil
}

// GetByID retrieves a workflow by ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT * FROM workflows WHERE id = $1`

	var workflow Workflow
	err := r.db.GetContext(ctx, &workflow, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to get workflow by ID", "workflow_id", id, "error", err)
		return nil, fmt.Errorf("failed to get workflow by ID: %w", err)
	}

	return &workflow, nil
}

// GetByIncident retrieves the workflow for an incident under one regulation
func (r *WorkflowRepository) GetByIncident(ctx context.Context, incidentID, regulation string) (*Workflow, error) {
	query := `
		SELECT * FROM workflows
		WHERE incident_id = $1 AND regulation = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var workflow Workflow
	err := r.db.GetContext(ctx, &workflow, query, incidentID, regulation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow for incident %s (%s): %w", incidentID, regulation, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow by incident: %w", err)
	}

	return &workflow, nil
}

// Update updates an existing workflow
func (r *WorkflowRepository) Update(ctx context.Context, workflow *Workflow) error {
	query := `
		UPDATE workflows SET
			state = :state,
			priority = :priority,
			escalation_level = :escalation_level,
			escalation_events = :escalation_events,
			scheduled_ids = :scheduled_ids,
			completed_ids = :completed_ids,
			failed_ids = :failed_ids,
			details = :details,
			completed_at = :completed_at,
			updated_at = :updated_at
		WHERE id = :id`

	workflow.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, workflow)
	if err != nil {
		r.logger.Error("Failed to update workflow", "workflow_id", workflow.ID, "error", err)
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("workflow %s: %w", workflow.ID, ErrNotFound)
	}

	r.logger.Debug("Workflow updated",
		"workflow_id", workflow.ID,
		"state", workflow.State,
		"escalation_level", workflow.EscalationLevel)
	return nil
}

// ListActive retrieves all workflows that have not reached a terminal state
func (r *WorkflowRepository) ListActive(ctx context.Context) ([]*Workflow, error) {
	query := `
		SELECT * FROM workflows
		WHERE state NOT IN ('completed', 'no_notification_required', 'overdue_resolved')
		ORDER BY deadline ASC`

	var workflows []*Workflow
	err := r.db.SelectContext(ctx, &workflows, query)
	if err != nil {
		r.logger.Error("Failed to list active workflows", "error", err)
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	return workflows, nil
}

// List retrieves workflows with optional regulation/state filters
func (r *WorkflowRepository) List(ctx context.Context, regulation, state string, limit int) ([]*Workflow, error) {
	query := `
		SELECT * FROM workflows
		WHERE ($1 = '' OR regulation = $1)
		AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	if limit <= 0 {
		limit = 100
	}

	var workflows []*Workflow
	err := r.db.SelectContext(ctx, &workflows, query, regulation, state, limit)
	if err != nil {
		r.logger.Error("Failed to list workflows", "error", err)
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// GetStats aggregates workflow counts by regulation and state
func (r *WorkflowRepository) GetStats(ctx context.Context) ([]*WorkflowStats, error) {
	query := `
		SELECT regulation, state, COUNT(*) as count
		FROM workflows
		GROUP BY regulation, state
		ORDER BY regulation, state`

	var stats []*WorkflowStats
	err := r.db.SelectContext(ctx, &stats, query)
	if err != nil {
		r.logger.Error("Failed to get workflow stats", "error", err)
		return nil, fmt.Errorf("failed to get workflow stats: %w", err)
	}

	return stats, nil
}
