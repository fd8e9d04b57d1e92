package workflow

import (
	"context"
	"time"

	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
)

// HIPAA workflow states (45 CFR 164.404/406/408)
const (
	HIPAAStateRiskAssessment       = "risk_assessment"
	HIPAAStateBreachAnalysis       = "breach_analysis"
	HIPAAStateNotificationDecision = "notification_decision"
	HIPAAStateIndividualsNotified  = "individuals_notified"
	HIPAAStateHHSNotified          = "hhs_notified"
)

// Details keys
const (
	hipaaKeyIndividualIDs       = "individual_notification_ids"
	hipaaKeyHHSIDs              = "hhs_notification_ids"
	hipaaKeyMediaIDs            = "media_notification_ids"
	hipaaKeyLikelihood          = "likelihood_of_compromise"
	hipaaKeyHarm                = "potential_for_harm"
	hipaaKeyOverallRisk         = "overall_risk"
	hipaaKeyAssessmentRequested = "assessment_requested"
	hipaaKeyLargeBreach         = "large_breach"
)

// Harm-assessment record-count bands
const (
	harmHighRecords   = 1000
	harmMediumRecords = 100
)

// HIPAAMachine implements the breach-notification workflow for unsecured
// PHI. The breach-analysis step runs a two-factor harm assessment; when
// both factors are low, notification is not required and the workflow
// short-circuits.
type HIPAAMachine struct {
	deps *Deps
}

// NewHIPAAMachine creates the HIPAA state machine
func NewHIPAAMachine(deps *Deps) *HIPAAMachine {
	return &HIPAAMachine{deps: deps}
}

// Regulation implements Machine
func (m *HIPAAMachine) Regulation() string {
	return database.RegulationHIPAA
}

// Build implements Machine. The 60-day window shrinks to 30 days when the
// HHS reporting threshold is met, which also forces urgent priority.
func (m *HIPAAMachine) Build(inc *incident.Incident, assessment *incident.RiskAssessment, now time.Time) *database.Workflow {
	cfg := m.deps.Cfg
	large := inc.EstimatedRecords >= cfg.HIPAAHHSThreshold

	days := cfg.HIPAAWindowDays
	priority := database.PriorityMedium
	if large {
		days = cfg.HIPAAExpeditedWindowDays
		priority = database.PriorityUrgent
	} else if assessment != nil {
		switch assessment.RiskLevel {
		case incident.RiskCritical:
			priority = database.PriorityCritical
		case incident.RiskHigh:
			priority = database.PriorityHigh
		}
	}

	return &database.Workflow{
		State:    StateInitiated,
		Priority: priority,
		Deadline: inc.DetectedAt.AddDate(0, 0, days),
		Details:  database.JSONMap{hipaaKeyLargeBreach: large},
	}
}

// Tick implements Machine
func (m *HIPAAMachine) Tick(ctx context.Context, env *Env) error {
	w := env.Workflow

	switch w.State {
	case StateInitiated:
		return m.awaitAssessment(env)
	case HIPAAStateRiskAssessment:
		w.State = HIPAAStateBreachAnalysis
	case HIPAAStateBreachAnalysis:
		m.analyzeBreach(env)
	case HIPAAStateNotificationDecision:
		return m.decideNotifications(ctx, env)
	case HIPAAStateIndividualsNotified:
		if len(env.DetailStrings(hipaaKeyHHSIDs)) == 0 {
			m.complete(env)
		} else if env.AllSent(env.DetailStrings(hipaaKeyHHSIDs)) {
			w.State = HIPAAStateHHSNotified
		}
	case HIPAAStateHHSNotified:
		media := env.DetailStrings(hipaaKeyMediaIDs)
		if len(media) == 0 || env.AllSent(media) {
			m.complete(env)
		}
	}

	return nil
}

func (m *HIPAAMachine) awaitAssessment(env *Env) error {
	w := env.Workflow
	if env.Assessment == nil {
		if _, requested := env.DetailString(hipaaKeyAssessmentRequested); !requested {
			w.Details[hipaaKeyAssessmentRequested] = m.deps.Now().UTC().Format(time.RFC3339)
			m.deps.Auditor.Record(w.IncidentID, &w.ID, engineActor, "risk_assessment_requested", map[string]interface{}{
				"regulation": w.Regulation,
			})
		}
		return nil
	}
	w.State = HIPAAStateRiskAssessment
	return nil
}

// analyzeBreach runs the two-factor harm assessment. Overall risk is low
// only when both factors are low; that outcome short-circuits the workflow
// to no_notification_required.
func (m *HIPAAMachine) analyzeBreach(env *Env) {
	w := env.Workflow

	likelihood := likelihoodOfCompromise(env.Incident.Type)
	harm := potentialForHarm(env.Incident.UnsecuredPHI, env.Incident.EstimatedRecords)
	overall := overallRisk(likelihood, harm)

	w.Details[hipaaKeyLikelihood] = likelihood
	w.Details[hipaaKeyHarm] = harm
	w.Details[hipaaKeyOverallRisk] = overall

	m.deps.Auditor.Record(w.IncidentID, &w.ID, engineActor, "breach_analysis_completed", map[string]interface{}{
		"likelihood_of_compromise": likelihood,
		"potential_for_harm":       harm,
		"overall_risk":             overall,
	})

	if overall == incident.RiskLow {
		w.State = StateNoNotificationRequired
		now := m.deps.Now()
		w.CompletedAt = &now
		m.deps.Auditor.Record(w.IncidentID, &w.ID, engineActor, "notification_not_required", map[string]interface{}{
			"reason": "both harm-assessment factors low",
		})
		return
	}

	w.State = HIPAAStateNotificationDecision
}

// decideNotifications schedules the required branches: individual notice
// by postal mail always, HHS and media branches when the 500-record
// threshold is met
func (m *HIPAAMachine) decideNotifications(ctx context.Context, env *Env) error {
	w := env.Workflow
	now := m.deps.Now()
	large, _ := w.Details[hipaaKeyLargeBreach].(bool)

	if len(env.DetailStrings(hipaaKeyIndividualIDs)) == 0 {
		// Statutory expectation of written notice, hence postal mail
		individualIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type:          NotifIndividual,
			GroupType:     GroupIndividuals,
			RecipientType: RecipientIndividual,
			SendAt:        now,
			Method:        database.MethodMail,
			Priority:      w.Priority,
		})
		if err != nil {
			return err
		}
		w.Details[hipaaKeyIndividualIDs] = individualIDs
	}

	if large {
		if len(env.DetailStrings(hipaaKeyHHSIDs)) == 0 {
			hhsIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
				Type:          NotifHHS,
				GroupType:     GroupHHS,
				RecipientType: RecipientRegulator,
				SendAt:        now,
				Method:        database.MethodEmail,
				Priority:      database.PriorityUrgent,
			})
			if err != nil {
				return err
			}
			w.Details[hipaaKeyHHSIDs] = hhsIDs
		}
		if len(env.DetailStrings(hipaaKeyMediaIDs)) == 0 {
			mediaIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
				Type:          NotifMedia,
				GroupType:     GroupMedia,
				RecipientType: RecipientOrganization,
				SendAt:        now,
				Method:        database.MethodEmail,
				Priority:      database.PriorityHigh,
			})
			if err != nil {
				return err
			}
			w.Details[hipaaKeyMediaIDs] = mediaIDs
		}
	}

	if env.AllSent(env.DetailStrings(hipaaKeyIndividualIDs)) {
		w.State = HIPAAStateIndividualsNotified
	}
	return nil
}

func (m *HIPAAMachine) complete(env *Env) {
	w := env.Workflow
	w.State = StateCompleted
	now := m.deps.Now()
	w.CompletedAt = &now
}

// likelihoodOfCompromise derives the first harm-assessment factor from the
// incident type
func likelihoodOfCompromise(incidentType string) string {
	switch incidentType {
	case incident.TypeUnauthorizedAccess, incident.TypeDataBreach:
		return incident.RiskHigh
	case incident.TypeMalware, incident.TypePhishing:
		return incident.RiskMedium
	default:
		return incident.RiskLow
	}
}

// potentialForHarm derives the second factor from PHI exposure and the
// affected-record count
func potentialForHarm(unsecuredPHI bool, records int) string {
	if !unsecuredPHI {
		return incident.RiskLow
	}
	switch {
	case records > harmHighRecords:
		return incident.RiskHigh
	case records > harmMediumRecords:
		return incident.RiskMedium
	default:
		return incident.RiskLow
	}
}

// overallRisk is low only when both factors are low, otherwise the higher
// of the two
func overallRisk(likelihood, harm string) string {
	rank := map[string]int{incident.RiskLow: 0, incident.RiskMedium: 1, incident.RiskHigh: 2}
	if rank[likelihood] >= rank[harm] {
		return likelihood
	}
	return harm
}
