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

// NotificationRepository handles scheduled notification data operations
type NotificationRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *sqlx.DB, logger *slog.Logger) *NotificationRepository {
	return &NotificationRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create creates a new scheduled notification
func (r *NotificationRepository) Create(ctx context.Context, n *ScheduledNotification) error {
	query := `
		INSERT INTO scheduled_notifications (
			id, workflow_id, incident_id, type, recipient_type, recipient_group,
			contact_id, recipient, template_code, language, subject, body, status,
			delivery_method, priority, scheduled_at, deadline_hours,
			response_deadline, sent_at, delivered_at, failed_at, acknowledged_at,
			retry_count, max_retries, next_retry_at, error_message, tracking_id,
			context, created_at, updated_at
		) VALUES (
			:id, :workflow_id, :incident_id, :type, :recipient_type, :recipient_group,
			:contact_id, :recipient, :template_code, :language, :subject, :body, :status,
			:delivery_method, :priority, :scheduled_at, :deadline_hours,
			:response_deadline, :sent_at, :delivered_at, :failed_at, :acknowledged_at,
			:retry_count, :max_retries, :next_retry_at, :error_message, :tracking_id,
			:context, :created_at, :updated_at
		)`

	n.CreatedAt = time.Now()
	n.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, n)
	if err != nil {
		r.logger.Error("Failed to create notification",
			"notification_id", n.ID,
			"workflow_id", n.WorkflowID,
			"error", err)
		return fmt.Errorf("failed to create notification: %w", err)
	}

	r.logger.Info("Notification scheduled",
		"notification_id", n.ID,
		"workflow_id", n.WorkflowID,
		"type", n.Type,
		"method", n.DeliveryMethod,
		"scheduled_at", n.ScheduledAt)
	return nil
}

// GetByID retrieves a notification by ID
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*ScheduledNotification, error) {
	query := `SELECT * FROM scheduled_notifications WHERE id = $1`

	var n ScheduledNotification
	err := r.db.GetContext(ctx, &n, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to get notification by ID", "notification_id", id, "error", err)
		return nil, fmt.Errorf("failed to get notification by ID: %w", err)
	}

	return &n, nil
}

// GetByWorkflowID retrieves all notifications for a workflow
func (r *NotificationRepository) GetByWorkflowID(ctx context.Context, workflowID string) ([]*ScheduledNotification, error) {
	query := `
		SELECT * FROM scheduled_notifications
		WHERE workflow_id = $1
		ORDER BY created_at ASC`

	var notifications []*ScheduledNotification
	err := r.db.SelectContext(ctx, &notifications, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get notifications by workflow ID: %w", err)
	}

	return notifications, nil
}

// Update updates an existing notification
func (r *NotificationRepository) Update(ctx context.Context, n *ScheduledNotification) error {
	query := `
		UPDATE scheduled_notifications SET
			subject = :subject,
			body = :body,
			status = :status,
			delivery_method = :delivery_method,
			priority = :priority,
			scheduled_at = :scheduled_at,
			response_deadline = :response_deadline,
			sent_at = :sent_at,
			delivered_at = :delivered_at,
			failed_at = :failed_at,
			acknowledged_at = :acknowledged_at,
			retry_count = :retry_count,
			next_retry_at = :next_retry_at,
			error_message = :error_message,
			tracking_id = :tracking_id,
			updated_at = :updated_at
		WHERE id = :id`

	n.UpdatedAt = time.Now()

	result, err := r.db.NamedExecContext(ctx, query, n)
	if err != nil {
		r.logger.Error("Failed to update notification", "notification_id", n.ID, "error", err)
		return fmt.Errorf("failed to update notification: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", n.ID, ErrNotFound)
	}

	r.logger.Debug("Notification updated",
		"notification_id", n.ID,
		"status", n.Status)
	return nil
}

// priorityRank orders priorities for dispatch. The priority column is text;
// sorting it directly would put high after medium.
func priorityRank(priority string) int {
	switch priority {
	case PriorityCritical:
		return 5
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	}
	return 1
}

// priorityRankSQL is the SQL mirror of priorityRank
func priorityRankSQL() string {
	return fmt.Sprintf("CASE priority WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE %d END",
		PriorityCritical, priorityRank(PriorityCritical),
		PriorityUrgent, priorityRank(PriorityUrgent),
		PriorityHigh, priorityRank(PriorityHigh),
		PriorityMedium, priorityRank(PriorityMedium),
		priorityRank(PriorityLow))
}

// GetDue retrieves pending notifications whose send time has arrived and
// whose retry backoff, if any, has elapsed
func (r *NotificationRepository) GetDue(ctx context.Context, limit int) ([]*ScheduledNotification, error) {
	query := fmt.Sprintf(`
		SELECT * FROM scheduled_notifications
		WHERE status = 'pending'
		AND scheduled_at <= NOW()
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY %s DESC, scheduled_at ASC
		LIMIT $1`, priorityRankSQL())

	var notifications []*ScheduledNotification
	err := r.db.SelectContext(ctx, &notifications, query, limit)
	if err != nil {
		r.logger.Error("Failed to get due notifications", "error", err)
		return nil, fmt.Errorf("failed to get due notifications: %w", err)
	}

	return notifications, nil
}

// GetUnanswered retrieves sent notifications whose response deadline has
// passed without an acknowledgment
func (r *NotificationRepository) GetUnanswered(ctx context.Context, limit int) ([]*ScheduledNotification, error) {
	query := `
		SELECT * FROM scheduled_notifications
		WHERE status IN ('sent', 'delivered')
		AND response_deadline IS NOT NULL
		AND response_deadline <= NOW()
		AND acknowledged_at IS NULL
		ORDER BY response_deadline ASC
		LIMIT $1`

	var notifications []*ScheduledNotification
	err := r.db.SelectContext(ctx, &notifications, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unanswered notifications: %w", err)
	}

	return notifications, nil
}

// GetStats aggregates notification counts by status
func (r *NotificationRepository) GetStats(ctx context.Context) (*NotificationStats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(CASE WHEN status = 'pending' THEN 1 END) as pending,
			COUNT(CASE WHEN status = 'sent' THEN 1 END) as sent,
			COUNT(CASE WHEN status = 'delivered' THEN 1 END) as delivered,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) as failed
		FROM scheduled_notifications`

	var stats NotificationStats
	err := r.db.GetContext(ctx, &stats, query)
	if err != nil {
		r.logger.Error("Failed to get notification stats", "error", err)
		return nil, fmt.Errorf("failed to get notification stats: %w", err)
	}

	return &stats, nil
}

// CleanupOld removes terminal notifications past the retention window
func (r *NotificationRepository) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	query := `
		DELETE FROM scheduled_notifications
		WHERE created_at < $1
		AND status IN ('delivered', 'failed', 'acknowledged')`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to cleanup old notifications", "error", err)
		return 0, fmt.Errorf("failed to cleanup old notifications: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}

	r.logger.Info("Old notifications cleaned up",
		"deleted_count", deleted,
		"retention_days", retentionDays)
	return int(deleted), nil
}
