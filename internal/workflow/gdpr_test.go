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

func TestGDPRWorkflow_HighRisk(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	require.Equal(t, GDPRStateAssessment, f.store.workflows[w.ID].State,
		"Assessment exists, so the inline tick leaves initiated")

	// Prepare notifications
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	stored := f.store.workflows[w.ID]
	require.Equal(t, GDPRStateNotificationPrepared, stored.State)

	supervisory := f.scheduler.ofType(NotifSupervisoryAuthority)
	require.Len(t, supervisory, 1)
	assert.Equal(t, detected, supervisory[0].ScheduledAt, "Supervisory notice goes out immediately")
	assert.Equal(t, RecipientRegulator, supervisory[0].RecipientType)
	assert.Equal(t, database.PriorityHigh, supervisory[0].Priority)

	individual := f.scheduler.ofType(NotifIndividual)
	require.Len(t, individual, 1, "High risk requires individual notice")
	assert.Equal(t, detected.Add(24*time.Hour), individual[0].ScheduledAt,
		"Individual notice follows 24 hours after the supervisory one")

	// Supervisory delivery advances the state
	f.markSent(ctx, supervisory[0].ID)
	assert.Equal(t, GDPRStateSupervisoryNotified, f.store.workflows[w.ID].State)

	// Individual delivery, then one more tick to complete
	f.markSent(ctx, individual[0].ID)
	assert.Equal(t, GDPRStateIndividualsNotified, f.store.workflows[w.ID].State)

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	final := f.store.workflows[w.ID]
	assert.Equal(t, StateCompleted, final.State)
	require.NotNil(t, final.CompletedAt)
	assert.True(t, final.Terminal())
}

func TestGDPRWorkflow_MediumRisk(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskMedium})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

	require.Len(t, f.scheduler.ofType(NotifSupervisoryAuthority), 1,
		"Supervisory notice is always required")
	assert.Empty(t, f.scheduler.ofType(NotifIndividual),
		"Medium risk skips the individual notice")

	supervisory := f.scheduler.ofType(NotifSupervisoryAuthority)
	f.markSent(ctx, supervisory[0].ID)

	// With no individual branch the workflow completes from supervisory_notified
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	assert.Equal(t, StateCompleted, f.store.workflows[w.ID].State)
}

func TestGDPRWorkflow_CriticalRiskPriorities(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskCritical})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	assert.Equal(t, database.PriorityCritical, w.Priority)

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

	supervisory := f.scheduler.ofType(NotifSupervisoryAuthority)
	require.Len(t, supervisory, 1)
	assert.Equal(t, database.PriorityUrgent, supervisory[0].Priority,
		"Critical risk sends the supervisory notice urgent")
	require.Len(t, f.scheduler.ofType(NotifIndividual), 1,
		"Critical risk requires individual notice")
}

func TestGDPRWorkflow_PrepareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)

	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	supervisoryBefore := len(f.scheduler.ofType(NotifSupervisoryAuthority))

	// Force the prepare step to run again
	f.store.workflows[w.ID].State = GDPRStateAssessment
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

	assert.Equal(t, supervisoryBefore, len(f.scheduler.ofType(NotifSupervisoryAuthority)),
		"Re-running prepare must not double-schedule")
	assert.Len(t, f.scheduler.ofType(NotifIndividual), 1)
}
