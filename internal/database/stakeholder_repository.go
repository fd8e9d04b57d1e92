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

// StakeholderRepository handles stakeholder group and contact data operations
type StakeholderRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewStakeholderRepository creates a new stakeholder repository
func NewStakeholderRepository(db *sqlx.DB, logger *slog.Logger) *StakeholderRepository {
	return &StakeholderRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// CreateGroup creates a new stakeholder group
func (r *StakeholderRepository) CreateGroup(ctx context.Context, group *StakeholderGroup) error {
	query := `
		INSERT INTO stakeholder_groups (
			id, name, type, default_priority, default_delivery_methods,
			requires_approval, escalation_triggers, created_at, updated_at
		) VALUES (
			:id, :name, :type, :default_priority, :default_delivery_methods,
			:requires_approval, :escalation_triggers, :created_at, :updated_at
		)`

	group.CreatedAt = time.Now()
	group.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, group)
	if err != nil {
		r.logger.Error("Failed to create stakeholder group",
			"group_id", group.ID,
			"name", group.Name,
			"error", err)
		return fmt.Errorf("failed to create stakeholder group: %w", err)
	}

	r.logger.Info("Stakeholder group created", "group_id", group.ID, "name", group.Name)
	return nil
}

// GetGroup retrieves a stakeholder group by ID
func (r *StakeholderRepository) GetGroup(ctx context.Context, id string) (*StakeholderGroup, error) {
	query := `SELECT * FROM stakeholder_groups WHERE id = $1`

	var group StakeholderGroup
	err := r.db.GetContext(ctx, &group, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stakeholder group %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get stakeholder group: %w", err)
	}

	return &group, nil
}

// GetGroupByType retrieves the stakeholder group of a given type
func (r *StakeholderRepository) GetGroupByType(ctx context.Context, groupType string) (*StakeholderGroup, error) {
	query := `SELECT * FROM stakeholder_groups WHERE type = $1 LIMIT 1`

	var group StakeholderGroup
	err := r.db.GetContext(ctx, &group, query, groupType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stakeholder group type %s: %w", groupType, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get stakeholder group by type: %w", err)
	}

	return &group, nil
}

// UpdateGroupTriggers persists a group's escalation trigger state. Callers
// hold the directory's per-group lock across the read-modify-write.
func (r *StakeholderRepository) UpdateGroupTriggers(ctx context.Context, groupID string, triggers EscalationTriggers) error {
	query := `
		UPDATE stakeholder_groups SET
			escalation_triggers = $2,
			updated_at = NOW()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, groupID, triggers)
	if err != nil {
		r.logger.Error("Failed to update group triggers", "group_id", groupID, "error", err)
		return fmt.Errorf("failed to update group triggers: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("stakeholder group %s: %w", groupID, ErrNotFound)
	}

	return nil
}

// CreateContact creates a new stakeholder contact
func (r *StakeholderRepository) CreateContact(ctx context.Context, contact *StakeholderContact) error {
	query := `
		INSERT INTO stakeholder_contacts (
			id, group_id, name, email, phone, postal_address, webhook_url,
			language, timezone, is_backup, preferences, created_at, updated_at
		) VALUES (
			:id, :group_id, :name, :email, :phone, :postal_address, :webhook_url,
			:language, :timezone, :is_backup, :preferences, :created_at, :updated_at
		)`

	contact.CreatedAt = time.Now()
	contact.UpdatedAt = time.Now()

	_, err := r.db.NamedExecContext(ctx, query, contact)
	if err != nil {
		r.logger.Error("Failed to create stakeholder contact",
			"contact_id", contact.ID,
			"group_id", contact.GroupID,
			"error", err)
		return fmt.Errorf("failed to create stakeholder contact: %w", err)
	}

	r.logger.Info("Stakeholder contact created", "contact_id", contact.ID, "group_id", contact.GroupID)
	return nil
}

// GetContact retrieves a stakeholder contact by ID
func (r *StakeholderRepository) GetContact(ctx context.Context, id string) (*StakeholderContact, error) {
	query := `SELECT * FROM stakeholder_contacts WHERE id = $1`

	var contact StakeholderContact
	err := r.db.GetContext(ctx, &contact, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("stakeholder contact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get stakeholder contact: %w", err)
	}

	return &contact, nil
}

// GetContactsByGroup retrieves contacts belonging to a group. Backup
// contacts are listed after primary ones.
func (r *StakeholderRepository) GetContactsByGroup(ctx context.Context, groupID string) ([]*StakeholderContact, error) {
	query := `
		SELECT * FROM stakeholder_contacts
		WHERE group_id = $1
		ORDER BY is_backup ASC, name ASC`

	var contacts []*StakeholderContact
	err := r.db.SelectContext(ctx, &contacts, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get contacts by group: %w", err)
	}

	return contacts, nil
}
