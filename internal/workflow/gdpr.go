package workflow

import (
	"context"
	"time"

	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
)

// GDPR workflow states (Art. 33/34)
const (
	GDPRStateAssessment           = "assessment"
	GDPRStateNotificationPrepared = "notification_prepared"
	GDPRStateSupervisoryNotified  = "supervisory_notified"
	GDPRStateIndividualsNotified  = "individuals_notified"
)

// Details keys
const (
	gdprKeySupervisoryIDs      = "supervisory_notification_ids"
	gdprKeyIndividualIDs       = "individual_notification_ids"
	gdprKeyAssessmentRequested = "assessment_requested"
)

// individualNoticeDelay is the offset for the Art. 34 individual
// notification after the supervisory notification goes out
const individualNoticeDelay = 24 * time.Hour

// GDPRMachine implements the 72-hour supervisory notification workflow.
// The supervisory authority is notified immediately; individuals are
// notified at +24h when the residual risk is high or critical.
type GDPRMachine struct {
	deps *Deps
}

// NewGDPRMachine creates the GDPR state machine
func NewGDPRMachine(deps *Deps) *GDPRMachine {
	return &GDPRMachine{deps: deps}
}

// Regulation implements Machine
func (m *GDPRMachine) Regulation() string {
	return database.RegulationGDPR
}

// Build implements Machine. The deadline is fixed at detection + 72h and
// never recomputed.
func (m *GDPRMachine) Build(inc *incident.Incident, assessment *incident.RiskAssessment, now time.Time) *database.Workflow {
	priority := database.PriorityHigh
	if assessment != nil && assessment.RiskLevel == incident.RiskCritical {
		priority = database.PriorityCritical
	}

	return &database.Workflow{
		State:    StateInitiated,
		Priority: priority,
		Deadline: inc.DetectedAt.Add(m.deps.Cfg.GDPRWindow),
		Details:  database.JSONMap{},
	}
}

// Tick implements Machine
func (m *GDPRMachine) Tick(ctx context.Context, env *Env) error {
	w := env.Workflow

	switch w.State {
	case StateInitiated:
		return m.awaitAssessment(env)
	case GDPRStateAssessment:
		return m.prepareNotifications(ctx, env)
	case GDPRStateNotificationPrepared:
		if env.AllSent(env.DetailStrings(gdprKeySupervisoryIDs)) {
			w.State = GDPRStateSupervisoryNotified
		}
	case GDPRStateSupervisoryNotified:
		individual := env.DetailStrings(gdprKeyIndividualIDs)
		if len(individual) == 0 {
			m.complete(env)
		} else if env.AllSent(individual) {
			w.State = GDPRStateIndividualsNotified
		}
	case GDPRStateIndividualsNotified:
		m.complete(env)
	}

	return nil
}

// awaitAssessment moves to the assessment state once a risk assessment
// exists, requesting one (once) when absent
func (m *GDPRMachine) awaitAssessment(env *Env) error {
	w := env.Workflow
	if env.Assessment == nil {
		if _, requested := env.DetailString(gdprKeyAssessmentRequested); !requested {
			w.Details[gdprKeyAssessmentRequested] = m.deps.Now().UTC().Format(time.RFC3339)
			m.deps.Auditor.Record(w.IncidentID, &w.ID, engineActor, "risk_assessment_requested", map[string]interface{}{
				"regulation": w.Regulation,
			})
		}
		return nil
	}
	w.State = GDPRStateAssessment
	return nil
}

// prepareNotifications renders the supervisory-authority notification and,
// for high/critical risk, the individual notification
func (m *GDPRMachine) prepareNotifications(ctx context.Context, env *Env) error {
	w := env.Workflow
	now := m.deps.Now()

	priority := database.PriorityHigh
	if env.RiskLevel() == incident.RiskCritical {
		priority = database.PriorityUrgent
	}

	// Idempotent across retried ticks: each branch schedules only once
	if len(env.DetailStrings(gdprKeySupervisoryIDs)) == 0 {
		supervisoryIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type:          NotifSupervisoryAuthority,
			GroupType:     GroupSupervisoryAuthority,
			RecipientType: RecipientRegulator,
			SendAt:        now,
			Priority:      priority,
		})
		if err != nil {
			return err
		}
		w.Details[gdprKeySupervisoryIDs] = supervisoryIDs
	}

	needIndividual := env.RiskLevel() == incident.RiskHigh || env.RiskLevel() == incident.RiskCritical
	if needIndividual && len(env.DetailStrings(gdprKeyIndividualIDs)) == 0 {
		individualIDs, err := m.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type:          NotifIndividual,
			GroupType:     GroupIndividuals,
			RecipientType: RecipientIndividual,
			SendAt:        now.Add(individualNoticeDelay),
			Priority:      priority,
		})
		if err != nil {
			return err
		}
		w.Details[gdprKeyIndividualIDs] = individualIDs
	}

	w.State = GDPRStateNotificationPrepared
	return nil
}

func (m *GDPRMachine) complete(env *Env) {
	w := env.Workflow
	w.State = StateCompleted
	now := m.deps.Now()
	w.CompletedAt = &now
}
