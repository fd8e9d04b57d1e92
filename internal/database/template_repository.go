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

// TemplateRepository handles notification template data operations
type TemplateRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewTemplateRepository creates a new template repository
func NewTemplateRepository(db *sqlx.DB, logger *slog.Logger) *TemplateRepository {
	return &TemplateRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new template version. The version number increases
// monotonically per code; older versions stay inactive.
func (r *TemplateRepository) Create(ctx context.Context, tmpl *NotificationTemplate) error {
	tmpl.CreatedAt = time.Now()
	tmpl.UpdatedAt = time.Now()

	return r.Transaction(func(tx *sqlx.Tx) error {
		var currentVersion sql.NullInt64
		err := tx.GetContext(ctx, &currentVersion,
			`SELECT MAX(version) FROM notification_templates WHERE code = $1`, tmpl.Code)
		if err != nil {
			return fmt.Errorf("failed to read current template version: %w", err)
		}
		tmpl.Version = int(currentVersion.Int64) + 1

		if tmpl.Active {
			_, err = tx.ExecContext(ctx,
				`UPDATE notification_templates SET active = false, updated_at = NOW() WHERE code = $1`, tmpl.Code)
			if err != nil {
				return fmt.Errorf("failed to deactivate previous template versions: %w", err)
			}
		}

		query := `
			INSERT INTO notification_templates (
				code, regulation, breach_type, type, language, subject, body,
				required_fields, active, version, created_at, updated_at
			) VALUES (
				:code, :regulation, :breach_type, :type, :language, :subject, :body,
				:required_fields, :active, :version, :created_at, :updated_at
			)`
		if _, err := tx.NamedExecContext(ctx, query, tmpl); err != nil {
			return fmt.Errorf("failed to create template: %w", err)
		}

		r.logger.Info("Template created",
			"code", tmpl.Code,
			"regulation", tmpl.Regulation,
			"language", tmpl.Language,
			"version", tmpl.Version)
		return nil
	})
}

// GetActive retrieves the active version of a template by exact lookup key
func (r *TemplateRepository) GetActive(ctx context.Context, regulation, notificationType, language string) (*NotificationTemplate, error) {
	query := `
		SELECT * FROM notification_templates
		WHERE regulation = $1 AND type = $2 AND language = $3 AND active = true
		ORDER BY version DESC
		LIMIT 1`

	var tmpl NotificationTemplate
	err := r.db.GetContext(ctx, &tmpl, query, regulation, notificationType, language)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active template: %w", err)
	}

	return &tmpl, nil
}

// GetByCode retrieves the active version of a template by its code
func (r *TemplateRepository) GetByCode(ctx context.Context, code string) (*NotificationTemplate, error) {
	query := `
		SELECT * FROM notification_templates
		WHERE code = $1 AND active = true
		ORDER BY version DESC
		LIMIT 1`

	var tmpl NotificationTemplate
	err := r.db.GetContext(ctx, &tmpl, query, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", code, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get template by code: %w", err)
	}

	return &tmpl, nil
}

// List retrieves templates for a regulation
func (r *TemplateRepository) List(ctx context.Context, regulation string) ([]*NotificationTemplate, error) {
	query := `
		SELECT * FROM notification_templates
		WHERE ($1 = '' OR regulation = $1) AND active = true
		ORDER BY code`

	var templates []*NotificationTemplate
	err := r.db.SelectContext(ctx, &templates, query, regulation)
	if err != nil {
		r.logger.Error("Failed to list templates", "error", err)
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	return templates, nil
}
