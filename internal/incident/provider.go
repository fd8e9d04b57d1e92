// Package incident exposes the incident and risk-assessment records the
// workflow engine consumes. The engine never decides whether a breach
// occurred; it reads what the classification pipeline already wrote.
package incident

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned when an incident or assessment does not exist
var ErrNotFound = errors.New("not found")

// Risk levels
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Incident types recognized by the regulation machines
const (
	TypeUnauthorizedAccess = "unauthorized_access"
	TypeDataBreach         = "data_breach"
	TypeMalware            = "malware"
	TypePhishing           = "phishing"
	TypeSystemFailure      = "system_failure"
	TypeInsiderThreat      = "insider_threat"
)

// Incident is a detected security/privacy incident, read-only to the engine
type Incident struct {
	ID               string         `db:"id" json:"id"`
	Type             string         `db:"type" json:"type"`
	DetectedAt       time.Time      `db:"detected_at" json:"detected_at"`
	Severity         int            `db:"severity" json:"severity"` // 1-5
	DataCategories   pq.StringArray `db:"data_categories" json:"data_categories"`
	EstimatedRecords int            `db:"estimated_records" json:"estimated_records"`
	UnsecuredPHI     bool           `db:"unsecured_phi" json:"unsecured_phi"`
	GDPRApplicable   bool           `db:"gdpr_applicable" json:"gdpr_applicable"`
	HIPAAApplicable  bool           `db:"hipaa_applicable" json:"hipaa_applicable"`
	SOC2Applicable   bool           `db:"soc2_applicable" json:"soc2_applicable"`
	Description      string         `db:"description" json:"description"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// RiskAssessment is one point-in-time assessment of an incident. Incidents
// accumulate assessments over time; workflows consult the latest.
type RiskAssessment struct {
	ID         string         `db:"id" json:"id"`
	IncidentID string         `db:"incident_id" json:"incident_id"`
	RiskLevel  string         `db:"risk_level" json:"risk_level"`
	Mitigation pq.StringArray `db:"mitigation" json:"mitigation"`
	Notes      string         `db:"notes" json:"notes"`
	AssessedAt time.Time      `db:"assessed_at" json:"assessed_at"`
}

// Provider supplies incidents and their risk assessments
type Provider interface {
	GetIncident(ctx context.Context, id string) (*Incident, error)
	GetLatestRiskAssessment(ctx context.Context, incidentID string) (*RiskAssessment, error)
}

// PostgresProvider reads incidents from the shared incident store
type PostgresProvider struct {
	db *sqlx.DB
}

// NewPostgresProvider creates a Postgres-backed incident provider
func NewPostgresProvider(db *sqlx.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// GetIncident retrieves an incident by ID
func (p *PostgresProvider) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var inc Incident
	err := p.db.GetContext(ctx, &inc, `SELECT * FROM incidents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return &inc, nil
}

// GetLatestRiskAssessment retrieves the most recent assessment for an
// incident, or ErrNotFound when none has been recorded yet
func (p *PostgresProvider) GetLatestRiskAssessment(ctx context.Context, incidentID string) (*RiskAssessment, error) {
	query := `
		SELECT * FROM risk_assessments
		WHERE incident_id = $1
		ORDER BY assessed_at DESC
		LIMIT 1`

	var assessment RiskAssessment
	err := p.db.GetContext(ctx, &assessment, query, incidentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("risk assessment for incident %s: %w", incidentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get latest risk assessment: %w", err)
	}
	return &assessment, nil
}
