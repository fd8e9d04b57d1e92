package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
)

// SOC2 incident-response lifecycle states
const (
	SOC2StateTriage        = "triage"
	SOC2StateInvestigation = "investigation"
	SOC2StateContainment   = "containment"
	SOC2StateEradication   = "eradication"
	SOC2StateRecovery      = "recovery"
	SOC2StatePostIncident  = "post_incident"
)

// Details keys
const (
	soc2KeyControls   = "controls"
	soc2KeyEvidence   = "evidence"
	soc2KeyLessons    = "lessons_learned"
	soc2KeyFinalIDs   = "final_notification_ids"
	soc2KeyImpactNote = "impact_note"
)

// Control statuses
const (
	controlNotAffected = "not_affected"
	controlAffected    = "affected"
	controlRemediated  = "completed"
)

// controlAreas are the nine trust-services common criteria, instantiated
// as not_affected at workflow creation
var controlAreas = []string{"CC1", "CC2", "CC3", "CC4", "CC5", "CC6", "CC7", "CC8", "CC9"}

// affectedControls maps incident types to the control areas they impact
var affectedControls = map[string][]string{
	incident.TypeUnauthorizedAccess: {"CC5"},
	incident.TypePhishing:           {"CC5"},
	incident.TypeInsiderThreat:      {"CC5", "CC9"},
	incident.TypeMalware:            {"CC6"},
	incident.TypeSystemFailure:      {"CC6", "CC7"},
	incident.TypeDataBreach:         {"CC7"},
}

// SOC2Machine implements the incident-response lifecycle against the trust
// services criteria. Each stage records evidence and auto-advances; the
// post-incident review issues final auditor and board notifications.
type SOC2Machine struct {
	deps *Deps
}

// NewSOC2Machine creates the SOC2 state machine
func NewSOC2Machine(deps *Deps) *SOC2Machine {
	return &SOC2Machine{deps: deps}
}

// Regulation implements Machine
func (m *SOC2Machine) Regulation() string {
	return database.RegulationSOC2
}

// Build implements Machine. The SLA deadline is 24h for severity at or
// above the urgent threshold, 48h otherwise.
func (m *SOC2Machine) Build(inc *incident.Incident, assessment *incident.RiskAssessment, now time.Time) *database.Workflow {
	cfg := m.deps.Cfg

	sla := cfg.SOC2StandardSLA
	priority := database.PriorityMedium
	if inc.Severity >= cfg.SOC2UrgentSeverity {
		sla = cfg.SOC2UrgentSLA
		priority = database.PriorityHigh
	}
	if inc.Severity >= 5 {
		priority = database.PriorityUrgent
	}

	controls := map[string]interface{}{}
	for _, area := range controlAreas {
		controls[area] = controlNotAffected
	}

	return &database.Workflow{
		State:    StateInitiated,
		Priority: priority,
		Deadline: inc.DetectedAt.Add(sla),
		Details:  database.JSONMap{soc2KeyControls: controls},
	}
}

// Tick implements Machine. Every stage advances exactly one step so each
// transition lands on the audit trail individually.
func (m *SOC2Machine) Tick(ctx context.Context, env *Env) error {
	w := env.Workflow

	switch w.State {
	case StateInitiated:
		w.State = SOC2StateTriage
	case SOC2StateTriage:
		m.triage(env)
	case SOC2StateInvestigation:
		m.recordEvidence(env, SOC2StateInvestigation,
			fmt.Sprintf("investigated %s affecting %d records", env.Incident.Type, env.Incident.EstimatedRecords))
		w.State = SOC2StateContainment
	case SOC2StateContainment:
		m.recordEvidence(env, SOC2StateContainment, "affected systems isolated, access revoked")
		w.State = SOC2StateEradication
	case SOC2StateEradication:
		m.recordEvidence(env, SOC2StateEradication, "root cause removed, credentials rotated")
		w.State = SOC2StateRecovery
	case SOC2StateRecovery:
		m.recordEvidence(env, SOC2StateRecovery, "service restored, monitoring heightened")
		w.State = SOC2StatePostIncident
	case SOC2StatePostIncident:
		return m.postIncidentReview(ctx, env)
	}

	return nil
}

// triage marks each control area affected or not via the incident-type
// mapping and records the impact note
func (m *SOC2Machine) triage(env *Env) {
	w := env.Workflow

	controls := m.controls(env)
	affected := affectedControls[env.Incident.Type]
	for _, area := range affected {
		controls[area] = controlAffected
	}
	w.Details[soc2KeyControls] = controls

	note := fmt.Sprintf("%s incident, severity %d, controls affected: %v",
		env.Incident.Type, env.Incident.Severity, affected)
	w.Details[soc2KeyImpactNote] = note
	m.recordEvidence(env, SOC2StateTriage, note)

	w.State = SOC2StateInvestigation
}

// postIncidentReview finalizes lessons learned, completes control
// remediation, issues the final auditor and board notifications, and
// completes the workflow
func (m *SOC2Machine) postIncidentReview(ctx context.Context, env *Env) error {
	w := env.Workflow
	now := m.deps.Now()

	controls := m.controls(env)
	for area, status := range controls {
		if status == controlAffected {
			controls[area] = controlRemediated
		}
	}
	w.Details[soc2KeyControls] = controls
	w.Details[soc2KeyLessons] = fmt.Sprintf(
		"post-incident review closed for %s incident, remediation verified", env.Incident.Type)
	m.recordEvidence(env, SOC2StatePostIncident, "lessons learned recorded, remediation completed")

	if len(env.DetailStrings(soc2KeyFinalIDs)) == 0 {
		var finalIDs []string
		auditorIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type:          NotifAuditor,
			GroupType:     GroupAuditors,
			RecipientType: RecipientOrganization,
			SendAt:        now,
			Priority:      database.PriorityMedium,
		})
		if err != nil {
			return err
		}
		boardIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type:          NotifBoard,
			GroupType:     GroupBoard,
			RecipientType: RecipientInternal,
			SendAt:        now,
			Priority:      database.PriorityMedium,
		})
		if err != nil {
			return err
		}
		finalIDs = append(finalIDs, auditorIDs...)
		finalIDs = append(finalIDs, boardIDs...)
		w.Details[soc2KeyFinalIDs] = finalIDs
	}

	w.State = StateCompleted
	w.CompletedAt = &now
	return nil
}

// controls reads the control-area map out of the details bag, tolerating
// the JSONB round-trip shape
func (m *SOC2Machine) controls(env *Env) map[string]interface{} {
	if v, ok := env.Workflow.Details[soc2KeyControls].(map[string]interface{}); ok {
		return v
	}
	controls := map[string]interface{}{}
	for _, area := range controlAreas {
		controls[area] = controlNotAffected
	}
	return controls
}

// recordEvidence appends one evidence item to the workflow and mirrors it
// on the audit trail
func (m *SOC2Machine) recordEvidence(env *Env, stage, note string) {
	w := env.Workflow

	var evidence []interface{}
	if existing, ok := w.Details[soc2KeyEvidence].([]interface{}); ok {
		evidence = existing
	}
	evidence = append(evidence, map[string]interface{}{
		"stage":       stage,
		"note":        note,
		"recorded_at": m.deps.Now().UTC().Format(time.RFC3339),
	})
	w.Details[soc2KeyEvidence] = evidence

	m.deps.Auditor.Record(w.IncidentID, &w.ID, engineActor, stage+"_evidence_recorded", map[string]interface{}{
		"note": note,
	})
}
