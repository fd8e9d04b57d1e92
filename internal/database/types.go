package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Regulation identifiers
const (
	RegulationGDPR  = "gdpr"
	RegulationHIPAA = "hipaa"
	RegulationSOC2  = "soc2"
)

// Notification statuses
const (
	NotificationPending      = "pending"
	NotificationSent         = "sent"
	NotificationDelivered    = "delivered"
	NotificationFailed       = "failed"
	NotificationAcknowledged = "acknowledged"
)

// Notification priorities
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityUrgent   = "urgent"
	PriorityCritical = "critical"
)

// Delivery methods
const (
	MethodEmail   = "email"
	MethodSMS     = "sms"
	MethodMail    = "mail"
	MethodPhone   = "phone"
	MethodWebhook = "webhook"
)

// JSONMap is a JSONB column holding arbitrary key-value data
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported JSONMap source type %T", src)
	}
	return json.Unmarshal(b, m)
}

// EscalationEvent records one firing of the escalation ladder
type EscalationEvent struct {
	Level     int       `json:"level"`
	Action    string    `json:"action"`
	Remaining string    `json:"remaining"`
	FiredAt   time.Time `json:"fired_at"`
}

// EscalationEvents is a JSONB column of escalation events
type EscalationEvents []EscalationEvent

// Value implements driver.Valuer
func (e EscalationEvents) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *EscalationEvents) Scan(src interface{}) error {
	if src == nil {
		*e = EscalationEvents{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported EscalationEvents source type %T", src)
	}
	return json.Unmarshal(b, e)
}

// EscalationTrigger is a stakeholder group's reaction to an unanswered
// notification. Occurrence counters never exceed MaxOccurrences until an
// operator resets them.
type EscalationTrigger struct {
	Condition       string     `json:"condition"` // no_response
	Action          string     `json:"action"`    // notify_backup, bump_priority, switch_channel, manual_intervention
	CooldownMinutes int        `json:"cooldown_minutes"`
	MaxOccurrences  int        `json:"max_occurrences"`
	OccurrenceCount int        `json:"occurrence_count"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
}

// EscalationTriggers is a JSONB column of escalation triggers
type EscalationTriggers []EscalationTrigger

// Value implements driver.Valuer
func (e EscalationTriggers) Value() (driver.Value, error) {
	if e == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner
func (e *EscalationTriggers) Scan(src interface{}) error {
	if src == nil {
		*e = EscalationTriggers{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported EscalationTriggers source type %T", src)
	}
	return json.Unmarshal(b, e)
}

// ContactPreferences holds a contact's delivery preferences
type ContactPreferences struct {
	DoNotDisturbStart string   `json:"do_not_disturb_start,omitempty"` // HH:MM, contact-local
	DoNotDisturbEnd   string   `json:"do_not_disturb_end,omitempty"`   // HH:MM, contact-local
	WeekendDelivery   bool     `json:"weekend_delivery"`
	EmergencyOverride bool     `json:"emergency_override"`
	PreferredFormat   string   `json:"preferred_format,omitempty"` // plain, formal
	MethodOverrides   []string `json:"method_overrides,omitempty"` // replaces group defaults when set
}

// Value implements driver.Valuer
func (p ContactPreferences) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *ContactPreferences) Scan(src interface{}) error {
	if src == nil {
		*p = ContactPreferences{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("unsupported ContactPreferences source type %T", src)
	}
	return json.Unmarshal(b, p)
}

// AuditFields are common timestamp columns
type AuditFields struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Workflow is one regulation's obligation tracker for one incident. The
// deadline is fixed at creation; the escalation level only ever increases.
type Workflow struct {
	ID               string           `db:"id" json:"id"`
	IncidentID       string           `db:"incident_id" json:"incident_id"`
	Regulation       string           `db:"regulation" json:"regulation"`
	State            string           `db:"state" json:"state"`
	Priority         string           `db:"priority" json:"priority"`
	Deadline         time.Time        `db:"deadline" json:"deadline"`
	EscalationLevel  int              `db:"escalation_level" json:"escalation_level"`
	EscalationEvents EscalationEvents `db:"escalation_events" json:"escalation_events"`
	ScheduledIDs     pq.StringArray   `db:"scheduled_ids" json:"scheduled_ids"`
	CompletedIDs     pq.StringArray   `db:"completed_ids" json:"completed_ids"`
	FailedIDs        pq.StringArray   `db:"failed_ids" json:"failed_ids"`
	Details          JSONMap          `db:"details" json:"details"`
	CompletedAt      *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	AuditFields
}

// TimeRemaining returns the time left until the statutory deadline
func (w *Workflow) TimeRemaining(now time.Time) time.Duration {
	return w.Deadline.Sub(now)
}

// Terminal reports whether the workflow has reached a terminal state.
// Terminal workflows leave the active working set but are never deleted.
func (w *Workflow) Terminal() bool {
	switch w.State {
	case "completed", "no_notification_required", "overdue_resolved":
		return true
	}
	return false
}

// ScheduledNotification is a unit of outbound communication with a target
// send time, channel, and retry budget
type ScheduledNotification struct {
	ID               string     `db:"id" json:"id"`
	WorkflowID       string     `db:"workflow_id" json:"workflow_id"`
	IncidentID       string     `db:"incident_id" json:"incident_id"`
	Type             string     `db:"type" json:"type"`
	RecipientType    string     `db:"recipient_type" json:"recipient_type"` // individual, organization, regulator, internal
	RecipientGroup   string     `db:"recipient_group" json:"recipient_group"`
	ContactID        *string    `db:"contact_id" json:"contact_id,omitempty"`
	Recipient        string     `db:"recipient" json:"recipient"`
	TemplateCode     string     `db:"template_code" json:"template_code"`
	Language         string     `db:"language" json:"language"`
	Subject          *string    `db:"subject" json:"subject,omitempty"`
	Body             *string    `db:"body" json:"body,omitempty"`
	Status           string     `db:"status" json:"status"`
	DeliveryMethod   string     `db:"delivery_method" json:"delivery_method"`
	Priority         string     `db:"priority" json:"priority"`
	ScheduledAt      time.Time  `db:"scheduled_at" json:"scheduled_at"`
	DeadlineHours    *int       `db:"deadline_hours" json:"deadline_hours,omitempty"`
	ResponseDeadline *time.Time `db:"response_deadline" json:"response_deadline,omitempty"`
	SentAt           *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt      *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt         *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	AcknowledgedAt   *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	MaxRetries       int        `db:"max_retries" json:"max_retries"`
	NextRetryAt      *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	TrackingID       *string    `db:"tracking_id" json:"tracking_id,omitempty"`
	Context          JSONMap    `db:"context" json:"context"`
	AuditFields
}

// NotificationTemplate is versioned, language- and regulation-scoped text
// with named placeholders and a required-field list
type NotificationTemplate struct {
	Code           string         `db:"code" json:"code"`
	Regulation     string         `db:"regulation" json:"regulation"`
	BreachType     *string        `db:"breach_type" json:"breach_type,omitempty"`
	Type           string         `db:"type" json:"type"`
	Language       string         `db:"language" json:"language"`
	Subject        string         `db:"subject" json:"subject"`
	Body           string         `db:"body" json:"body"`
	RequiredFields pq.StringArray `db:"required_fields" json:"required_fields"`
	Active         bool           `db:"active" json:"active"`
	Version        int            `db:"version" json:"version"`
	AuditFields
}

// StakeholderGroup is an addressable recipient class
type StakeholderGroup struct {
	ID                     string             `db:"id" json:"id"`
	Name                   string             `db:"name" json:"name"`
	Type                   string             `db:"type" json:"type"` // regulator, internal_team, executive, individual, auditor, board
	DefaultPriority        string             `db:"default_priority" json:"default_priority"`
	DefaultDeliveryMethods pq.StringArray     `db:"default_delivery_methods" json:"default_delivery_methods"`
	RequiresApproval       bool               `db:"requires_approval" json:"requires_approval"`
	EscalationTriggers     EscalationTriggers `db:"escalation_triggers" json:"escalation_triggers"`
	AuditFields
}

// StakeholderContact is an individual recipient with delivery preferences
type StakeholderContact struct {
	ID            string             `db:"id" json:"id"`
	GroupID       string             `db:"group_id" json:"group_id"`
	Name          string             `db:"name" json:"name"`
	Email         *string            `db:"email" json:"email,omitempty"`
	Phone         *string            `db:"phone" json:"phone,omitempty"`
	PostalAddress *string            `db:"postal_address" json:"postal_address,omitempty"`
	WebhookURL    *string            `db:"webhook_url" json:"webhook_url,omitempty"`
	Language      string             `db:"language" json:"language"`
	Timezone      string             `db:"timezone" json:"timezone"`
	IsBackup      bool               `db:"is_backup" json:"is_backup"`
	Preferences   ContactPreferences `db:"preferences" json:"preferences"`
	AuditFields
}

// AuditEntry is one append-only audit record. Entries are never mutated.
type AuditEntry struct {
	ID         string    `db:"id" json:"id"`
	IncidentID string    `db:"incident_id" json:"incident_id"`
	WorkflowID *string   `db:"workflow_id" json:"workflow_id,omitempty"`
	Actor      string    `db:"actor" json:"actor"`
	Action     string    `db:"action" json:"action"`
	Details    JSONMap   `db:"details" json:"details"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// WorkflowStats aggregates workflow counts for the metrics collector and
// the downstream compliance dashboard
type WorkflowStats struct {
	Regulation string `db:"regulation" json:"regulation"`
	State      string `db:"state" json:"state"`
	Count      int    `db:"count" json:"count"`
}

// NotificationStats aggregates notification counts by status
type NotificationStats struct {
	Total     int `db:"total" json:"total"`
	Pending   int `db:"pending" json:"pending"`
	Sent      int `db:"sent" json:"sent"`
	Delivered int `db:"delivered" json:"delivered"`
	Failed    int `db:"failed" json:"failed"`
}

// Filter represents common listing options
type Filter struct {
	Limit    int
	Offset   int
	Filters  map[string]interface{}
	DateFrom *time.Time
	DateTo   *time.Time
}
