package workflow

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
	"github.com/breach-shield/notification-engine/internal/template"
)

type fakeWorkflowStore struct {
	workflows map[string]*database.Workflow
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{workflows: map[string]*database.Workflow{}}
}

func (s *fakeWorkflowStore) Create(_ context.Context, w *database.Workflow) error {
	s.workflows[w.ID] = w
	return nil
}

func (s *fakeWorkflowStore) GetByID(_ context.Context, id string) (*database.Workflow, error) {
	if w, ok := s.workflows[id]; ok {
		return w, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeWorkflowStore) GetByIncident(_ context.Context, incidentID, regulation string) (*database.Workflow, error) {
	for _, w := range s.workflows {
		if w.IncidentID == incidentID && w.Regulation == regulation {
			return w, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeWorkflowStore) Update(_ context.Context, w *database.Workflow) error {
	s.workflows[w.ID] = w
	return nil
}

func (s *fakeWorkflowStore) ListActive(_ context.Context) ([]*database.Workflow, error) {
	var active []*database.Workflow
	for _, w := range s.workflows {
		if !w.Terminal() {
			active = append(active, w)
		}
	}
	return active, nil
}

// fakeScheduler doubles as the engine's notification reader
type fakeScheduler struct {
	scheduled []*database.ScheduledNotification
}

func (s *fakeScheduler) Schedule(_ context.Context, n *database.ScheduledNotification) error {
	s.scheduled = append(s.scheduled, n)
	return nil
}

func (s *fakeScheduler) GetByWorkflowID(_ context.Context, workflowID string) ([]*database.ScheduledNotification, error) {
	var out []*database.ScheduledNotification
	for _, n := range s.scheduled {
		if n.WorkflowID == workflowID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeScheduler) ofType(notifType string) []*database.ScheduledNotification {
	var out []*database.ScheduledNotification
	for _, n := range s.scheduled {
		if n.Type == notifType {
			out = append(out, n)
		}
	}
	return out
}

type fakeIncidents struct {
	incident   *incident.Incident
	assessment *incident.RiskAssessment
}

func (p *fakeIncidents) GetIncident(_ context.Context, _ string) (*incident.Incident, error) {
	if p.incident == nil {
		return nil, incident.ErrNotFound
	}
	return p.incident, nil
}

func (p *fakeIncidents) GetLatestRiskAssessment(_ context.Context, _ string) (*incident.RiskAssessment, error) {
	if p.assessment == nil {
		return nil, incident.ErrNotFound
	}
	return p.assessment, nil
}

type recordingAuditor struct {
	actions []string
}

func (a *recordingAuditor) Record(_ string, _ *string, _ string, action string, _ map[string]interface{}) {
	a.actions = append(a.actions, action)
}

func (a *recordingAuditor) count(action string) int {
	n := 0
	for _, got := range a.actions {
		if got == action {
			n++
		}
	}
	return n
}

// directoryStore serves every group type the machines address, one primary
// contact each
type directoryStore struct{}

var directoryGroupTypes = []string{
	GroupSupervisoryAuthority, GroupHHS, GroupMedia, GroupIndividuals,
	GroupDPOLegal, GroupExecutives, GroupIncidentResponse, GroupAuditors, GroupBoard,
}

func (s *directoryStore) GetGroup(_ context.Context, id string) (*database.StakeholderGroup, error) {
	for _, gt := range directoryGroupTypes {
		if "grp-"+gt == id {
			return s.group(gt), nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *directoryStore) GetGroupByType(_ context.Context, groupType string) (*database.StakeholderGroup, error) {
	for _, gt := range directoryGroupTypes {
		if gt == groupType {
			return s.group(gt), nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *directoryStore) group(groupType string) *database.StakeholderGroup {
	return &database.StakeholderGroup{
		ID:                     "grp-" + groupType,
		Type:                   groupType,
		DefaultPriority:        database.PriorityMedium,
		DefaultDeliveryMethods: []string{database.MethodEmail},
	}
}

func (s *directoryStore) GetContactsByGroup(_ context.Context, groupID string) ([]*database.StakeholderContact, error) {
	email := groupID + "@example.com"
	postal := "1 Main St"
	return []*database.StakeholderContact{
		{
			ID:            "contact-" + groupID,
			GroupID:       groupID,
			Name:          "Contact",
			Email:         &email,
			PostalAddress: &postal,
			Language:      "en",
			Timezone:      "UTC",
		},
	}, nil
}

func (s *directoryStore) UpdateGroupTriggers(_ context.Context, _ string, _ database.EscalationTriggers) error {
	return nil
}

type noTemplateStore struct{}

func (s *noTemplateStore) GetActive(_ context.Context, _, _, _ string) (*database.NotificationTemplate, error) {
	return nil, database.ErrNotFound
}

func (s *noTemplateStore) GetByCode(_ context.Context, _ string) (*database.NotificationTemplate, error) {
	return nil, database.ErrNotFound
}

type engineFixture struct {
	engine    *Engine
	store     *fakeWorkflowStore
	scheduler *fakeScheduler
	incidents *fakeIncidents
	auditor   *recordingAuditor
	clock     *time.Time
	detected  time.Time
}

func newEngineFixture(t *testing.T, inc *incident.Incident, assessment *incident.RiskAssessment) *engineFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := newFakeWorkflowStore()
	sched := &fakeScheduler{}
	auditor := &recordingAuditor{}
	incidents := &fakeIncidents{incident: inc, assessment: assessment}

	cfg := config.WorkflowConfig{
		GDPRWindow:               72 * time.Hour,
		HIPAAWindowDays:          60,
		HIPAAExpeditedWindowDays: 30,
		HIPAAHHSThreshold:        500,
		SOC2StandardSLA:          48 * time.Hour,
		SOC2UrgentSLA:            24 * time.Hour,
		SOC2UrgentSeverity:       4,
		MaxConcurrentTicks:       4,
	}

	engine := NewEngine(
		cfg,
		config.TopicsConfig{},
		logger,
		store,
		sched,
		incidents,
		template.NewEngine(&noTemplateStore{}),
		stakeholder.NewDirectory(&directoryStore{}, logger),
		sched,
		auditor,
		nil,
		NewActiveCache(nil, logger),
	)
	t.Cleanup(engine.Stop)

	clock := inc.DetectedAt
	engine.now = func() time.Time { return clock }
	engine.deps.Now = func() time.Time { return clock }

	return &engineFixture{
		engine:    engine,
		store:     store,
		scheduler: sched,
		incidents: incidents,
		auditor:   auditor,
		clock:     &clock,
		detected:  inc.DetectedAt,
	}
}

func (f *engineFixture) advanceTo(t time.Time) { *f.clock = t }

// markSent simulates the dispatcher reporting successful delivery
func (f *engineFixture) markSent(ctx context.Context, ids ...string) {
	for _, id := range ids {
		for _, n := range f.scheduler.scheduled {
			if n.ID == id {
				n.Status = database.NotificationSent
				f.engine.HandleNotificationResult(ctx, n)
			}
		}
	}
}

func gdprIncident(detected time.Time) *incident.Incident {
	return &incident.Incident{
		ID:               "inc-001",
		Type:             incident.TypeDataBreach,
		DetectedAt:       detected,
		Severity:         4,
		EstimatedRecords: 5000,
		GDPRApplicable:   true,
	}
}

func TestEngine_CreateWorkflow(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	t.Run("Creates With Statutory Deadline", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		assert.Equal(t, detected.Add(72*time.Hour), w.Deadline)
		assert.Equal(t, database.PriorityHigh, w.Priority)
		assert.Equal(t, 1, f.auditor.count("workflow_created"))
	})

	t.Run("Idempotent Per Incident And Regulation", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		first, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)
		second, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, f.store.workflows, 1)
		assert.Equal(t, 1, f.auditor.count("workflow_created"))
	})

	t.Run("Unknown Regulation Rejected", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), nil)

		_, err := f.engine.CreateWorkflow(ctx, "inc-001", "pci")
		assert.Error(t, err)
	})

	t.Run("Missing Assessment Requests One And Waits", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), nil)

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		stored := f.store.workflows[w.ID]
		assert.Equal(t, StateInitiated, stored.State)
		assert.Equal(t, 1, f.auditor.count("risk_assessment_requested"))

		// Further ticks do not re-request
		require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
		assert.Equal(t, 1, f.auditor.count("risk_assessment_requested"))
	})
}

func TestEngine_Escalation(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	t.Run("Ladder Fires In Order And Marks Overdue", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		// 30 minutes before the deadline every rung has been crossed
		f.advanceTo(detected.Add(72*time.Hour - 30*time.Minute))
		require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

		stored := f.store.workflows[w.ID]
		assert.Equal(t, 6, stored.EscalationLevel)
		require.Len(t, stored.EscalationEvents, 6)
		for i, event := range stored.EscalationEvents {
			assert.Equal(t, i+1, event.Level, "Levels fire in ascending order")
		}
		assert.Equal(t, StateOverdue, stored.State)
		assert.False(t, stored.Terminal(), "Overdue is not terminal")
		assert.Equal(t, 6, f.auditor.count("workflow_escalated"))

		assert.NotEmpty(t, f.scheduler.ofType(NotifDPOLegal), "Level 1 notifies DPO/legal")
		assert.NotEmpty(t, f.scheduler.ofType(NotifExecutive), "Level 2 notifies executives")
		assert.NotEmpty(t, f.scheduler.ofType(NotifIndividualEmergency), "Level 3 prepares emergency notice")
	})

	t.Run("Level Never Decreases And Never Refires", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		f.advanceTo(detected.Add(30 * time.Hour)) // 42h remaining, level 1
		require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
		assert.Equal(t, 1, f.store.workflows[w.ID].EscalationLevel)

		require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
		assert.Equal(t, 1, f.store.workflows[w.ID].EscalationLevel)
		assert.Equal(t, 1, f.auditor.count("workflow_escalated"), "Crossed rung fires exactly once")
	})
}

func TestEngine_CompleteWorkflow(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

	t.Run("Overdue Resolves To Overdue Resolved", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		f.advanceTo(detected.Add(73 * time.Hour))
		require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
		require.Equal(t, StateOverdue, f.store.workflows[w.ID].State)

		resolved, err := f.engine.CompleteWorkflow(ctx, w.ID, "compliance-officer")
		require.NoError(t, err)
		assert.Equal(t, StateOverdueResolved, resolved.State)
		require.NotNil(t, resolved.CompletedAt)
		assert.True(t, resolved.Terminal())
	})

	t.Run("Terminal Workflow Rejected", func(t *testing.T) {
		f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

		w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
		require.NoError(t, err)

		_, err = f.engine.CompleteWorkflow(ctx, w.ID, "operator")
		require.NoError(t, err)

		_, err = f.engine.CompleteWorkflow(ctx, w.ID, "operator")
		assert.Error(t, err, "Completing twice must fail")
	})
}

func TestEngine_HandleNotificationResult(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)

	n := &database.ScheduledNotification{
		ID:         "n-ext",
		WorkflowID: w.ID,
		IncidentID: "inc-001",
		Status:     database.NotificationFailed,
	}

	f.engine.HandleNotificationResult(ctx, n)

	stored := f.store.workflows[w.ID]
	assert.Contains(t, []string(stored.FailedIDs), "n-ext")
	assert.Equal(t, 1, f.auditor.count("notification_failure_observed"))

	// Duplicate reports are not double-counted
	f.engine.HandleNotificationResult(ctx, n)
	assert.Len(t, []string(stored.FailedIDs), 1)
}

type fakeMetrics struct {
	created     map[string]int
	escalations []int
	overdue     map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{created: map[string]int{}, overdue: map[string]int{}}
}

func (m *fakeMetrics) RecordWorkflowCreated(regulation string) { m.created[regulation]++ }

func (m *fakeMetrics) RecordEscalation(_ string, level int) {
	m.escalations = append(m.escalations, level)
}

func (m *fakeMetrics) RecordOverdue(regulation string) { m.overdue[regulation]++ }

func TestEngine_MetricsRecording(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})
	rec := newFakeMetrics()
	f.engine.SetMetrics(rec)

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.created[database.RegulationGDPR])

	// Idempotent creation does not double-count
	_, err = f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.created[database.RegulationGDPR])

	f.advanceTo(detected.Add(72*time.Hour - 30*time.Minute))
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, rec.escalations,
		"Every crossed rung is counted once, in order")
	assert.Equal(t, 1, rec.overdue[database.RegulationGDPR])

	// A further tick adds nothing
	require.NoError(t, f.engine.TickWorkflow(ctx, w.ID))
	assert.Len(t, rec.escalations, 6)
	assert.Equal(t, 1, rec.overdue[database.RegulationGDPR])
}

func TestEngine_Sweep(t *testing.T) {
	ctx := context.Background()
	detected := time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)
	f := newEngineFixture(t, gdprIncident(detected), &incident.RiskAssessment{RiskLevel: incident.RiskHigh})

	w, err := f.engine.CreateWorkflow(ctx, "inc-001", database.RegulationGDPR)
	require.NoError(t, err)
	before := f.store.workflows[w.ID].State

	require.NoError(t, f.engine.Sweep(ctx))

	after := f.store.workflows[w.ID].State
	assert.NotEqual(t, before, after, "Sweep advances active workflows")
}
