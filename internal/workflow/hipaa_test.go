package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
)

func hipaaIncident(detected time.Time, records int, unsecuredPHI bool, incidentType string) *incident.Incident {
	return &incident.Incident{
		ID:               "inc-001",
		Type:             incidentType,
		DetectedAt:       detected,
		Severity:         3,
		EstimatedRecords: records,
		UnsecuredPHI:     unsecuredPHI,
		HIPAAApplicable:  true,
	}
}

func TestHIPAAWorkflow_HarmAssessment(t *testing.T) {
	t.Run("Likelihood Of Compromise By Incident Type", func(t *testing.T) {
		assert.Equal(t, incident.RiskHigh, likelihoodOfCompromise(incident.TypeUnauthorizedAccess))
		assert.Equal(t, incident.RiskHigh, likelihoodOfCompromise(incident.TypeDataBreach))
		assert.Equal(t, incident.RiskMedium, likelihoodOfCompromise(incident.TypeMalware))
		assert.Equal(t, incident.RiskMedium, likelihoodOfCompromise(incident.TypePhishing))
		assert.Equal(t, incident.RiskLow, likelihoodOfCompromise(incident.TypeSystemFailure))
	})

	t.Run("Potential For Harm By PHI And Record Count", func(t *testing.T) {
		assert.Equal(t, incident.RiskLow, potentialForHarm(false, 100000),
			"Secured PHI is low harm regardless of count")
		assert.Equal(t, incident.RiskHigh, potentialForHarm(true, 1001))
		assert.Equal(t, incident.RiskMedium, potentialForHarm(true, 101))
		assert.Equal(t, incident.RiskLow, potentialForHarm(true, 100))
	})

	t.Run("Overall Risk Is The Higher Factor", func(t *testing.T) {
		assert.Equal(t, incident.RiskHigh, overallRisk(incident.RiskHigh, incident.RiskLow))
		assert.Equal(t, incident.RiskHigh, overallRisk(incident.RiskLow, incident.RiskHigh))
		assert.Equal(t, incident.RiskMedium, overallRisk(incident.RiskMedium, incident.RiskLow))
		assert.Equal(t, incident.RiskLow, overallRisk(incident.RiskLow, incident.RiskLow))
	})
}

func TestHIPAAWorkflow_NoNotificationRequired(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	// Secured PHI and a low-likelihood incident type: both factors low
	inc := hipaaIncident(detected, 50, false, incident.TypeSystemFailure)
	f := newEngineFixture(t, inc, &incident.RiskAssessment{RiskLevel: incident.RiskLow})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationHIPAA)
	require.NoError(t, err)
	require.Equal(t, HIPAAStateRiskAssessment, f.store.workflows[w.ID].State)

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID)) // -> breach_analysis
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID)) // analysis runs

	stored := f.store.workflows[w.ID]
	assert.Equal(t, StateNoNotificationRequired, stored.State)
	assert.True(t, stored.Terminal())
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, incident.RiskLow, stored.Details[hipaaKeyOverallRisk])
	assert.Empty(t, f.scheduler.scheduled, "No notifications of any kind go out")
	assert.Equal(t, 1, f.auditor.count("notification_not_required"))
}

func TestHIPAAWorkflow_LargeBreach(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	inc := hipaaIncident(detected, 600, true, incident.TypeDataBreach)
	f := newEngineFixture(t, inc, &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationHIPAA)
	require.NoError(t, err)

	assert.Equal(t, detected.AddDate(0, 0, 30), w.Deadline,
		"500 or more records compresses the window to 30 days")
	assert.Equal(t, database.PriorityUrgent, w.Priority)
	assert.Equal(t, true, w.Details[hipaaKeyLargeBreach])

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID)) // -> breach_analysis
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID)) // -> notification_decision
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID)) // schedules branches

	individual := f.scheduler.ofType(NotifIndividual)
	require.Len(t, individual, 1)
	assert.Equal(t, database.MethodMail, individual[0].DeliveryMethod,
		"Individual HIPAA notice goes by postal mail")

	hhs := f.scheduler.ofType(NotifHHS)
	require.Len(t, hhs, 1, "Large breach requires HHS notice")
	assert.Equal(t, database.PriorityUrgent, hhs[0].Priority)

	media := f.scheduler.ofType(NotifMedia)
	require.Len(t, media, 1, "Large breach requires media notice")

	// Branches complete in order: individuals, HHS, media
	f.markSent(ctx, individual[0].ID)
	assert.Equal(t, HIPAAStateIndividualsNotified, f.store.workflows[w.ID].State)

	f.markSent(ctx, hhs[0].ID)
	assert.Equal(t, HIPAAStateHHSNotified, f.store.workflows[w.ID].State)

	f.markSent(ctx, media[0].ID)
	final := f.store.workflows[w.ID]
	assert.Equal(t, StateCompleted, final.State)
	require.NotNil(t, final.CompletedAt)
}

func TestHIPAAWorkflow_SmallBreach(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	inc := hipaaIncident(detected, 200, true, incident.TypeUnauthorizedAccess)
	f := newEngineFixture(t, inc, &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationHIPAA)
	require.NoError(t, err)

	assert.Equal(t, detected.AddDate(0, 0, 60), w.Deadline, "Standard 60-day window")
	assert.Equal(t, database.PriorityHigh, w.Priority, "Priority follows the risk assessment")

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

	require.Len(t, f.scheduler.ofType(NotifIndividual), 1)
	assert.Empty(t, f.scheduler.ofType(NotifHHS), "Below the threshold HHS is not notified")
	assert.Empty(t, f.scheduler.ofType(NotifMedia))

	individual := f.scheduler.ofType(NotifIndividual)
	f.markSent(ctx, individual[0].ID)
	require.Equal(t, HIPAAStateIndividualsNotified, f.store.workflows[w.ID].State)

	// No HHS branch: next tick completes
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	assert.Equal(t, StateCompleted, f.store.workflows[w.ID].State)
}
