package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/gateway"
	"github.com/breach-shield/notification-engine/internal/incident"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
	"github.com/breach-shield/notification-engine/internal/template"
)

type fakeNotificationStore struct {
	notifications map[string]*database.ScheduledNotification
	due           []*database.ScheduledNotification
	unanswered    []*database.ScheduledNotification
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{notifications: map[string]*database.ScheduledNotification{}}
}

func (s *fakeNotificationStore) Create(_ context.Context, n *database.ScheduledNotification) error {
	s.notifications[n.ID] = n
	return nil
}

func (s *fakeNotificationStore) GetByID(_ context.Context, id string) (*database.ScheduledNotification, error) {
	if n, ok := s.notifications[id]; ok {
		return n, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeNotificationStore) Update(_ context.Context, n *database.ScheduledNotification) error {
	s.notifications[n.ID] = n
	return nil
}

func (s *fakeNotificationStore) GetDue(_ context.Context, _ int) ([]*database.ScheduledNotification, error) {
	return s.due, nil
}

func (s *fakeNotificationStore) GetUnanswered(_ context.Context, _ int) ([]*database.ScheduledNotification, error) {
	return s.unanswered, nil
}

type fakeContactStore struct {
	contacts map[string]*database.StakeholderContact
}

func (s *fakeContactStore) GetContact(_ context.Context, id string) (*database.StakeholderContact, error) {
	if c, ok := s.contacts[id]; ok {
		return c, nil
	}
	return nil, database.ErrNotFound
}

type fakeIncidentProvider struct {
	incident   *incident.Incident
	assessment *incident.RiskAssessment
}

func (p *fakeIncidentProvider) GetIncident(_ context.Context, id string) (*incident.Incident, error) {
	if p.incident == nil {
		return nil, incident.ErrNotFound
	}
	return p.incident, nil
}

func (p *fakeIncidentProvider) GetLatestRiskAssessment(_ context.Context, _ string) (*incident.RiskAssessment, error) {
	if p.assessment == nil {
		return nil, incident.ErrNotFound
	}
	return p.assessment, nil
}

type fakeAuditor struct {
	actions []string
}

func (a *fakeAuditor) Record(_ string, _ *string, _ string, action string, _ map[string]interface{}) {
	a.actions = append(a.actions, action)
}

func (a *fakeAuditor) has(action string) bool {
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	method  string
	result  *gateway.Result
	deliver int
}

func (g *fakeGateway) Method() string { return g.method }

func (g *fakeGateway) Deliver(_ context.Context, _ *gateway.Message) *gateway.Result {
	g.deliver++
	return g.result
}

type fakeResultHandler struct {
	results []*database.ScheduledNotification
}

func (h *fakeResultHandler) HandleNotificationResult(_ context.Context, n *database.ScheduledNotification) {
	h.results = append(h.results, n)
}

type fakeTemplateStore struct {
	tmpl *database.NotificationTemplate
}

func (s *fakeTemplateStore) GetActive(_ context.Context, _, _, _ string) (*database.NotificationTemplate, error) {
	if s.tmpl == nil {
		return nil, database.ErrNotFound
	}
	return s.tmpl, nil
}

func (s *fakeTemplateStore) GetByCode(_ context.Context, code string) (*database.NotificationTemplate, error) {
	if s.tmpl == nil || s.tmpl.Code != code {
		return nil, database.ErrNotFound
	}
	return s.tmpl, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *fakeNotificationStore
	contacts   *fakeContactStore
	auditor    *fakeAuditor
	gateway    *fakeGateway
	handler    *fakeResultHandler
	now        time.Time
}

func newFixture(t *testing.T, tmpl *database.NotificationTemplate, result *gateway.Result) *dispatcherFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := newFakeNotificationStore()
	contacts := &fakeContactStore{contacts: map[string]*database.StakeholderContact{}}
	auditor := &fakeAuditor{}
	gw := &fakeGateway{method: database.MethodEmail, result: result}
	handler := &fakeResultHandler{}
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)

	provider := &fakeIncidentProvider{
		incident: &incident.Incident{
			ID:         "inc-001",
			Type:       incident.TypeDataBreach,
			DetectedAt: now.Add(-2 * time.Hour),
		},
	}

	d := New(
		config.DispatcherConfig{
			BatchSize:       100,
			MaxRetries:      3,
			RetryBaseDelay:  5 * time.Minute,
			DeliveryTimeout: 10 * time.Second,
		},
		config.NotificationsConfig{},
		config.TopicsConfig{},
		logger,
		store,
		contacts,
		template.NewEngine(&fakeTemplateStore{tmpl: tmpl}),
		stakeholder.NewDirectory(&fakeGroupStore{}, logger),
		gateway.NewRegistry(logger, gw),
		provider,
		auditor,
		nil,
	)
	d.SetResultHandler(handler)
	d.now = func() time.Time { return now }

	return &dispatcherFixture{
		dispatcher: d,
		store:      store,
		contacts:   contacts,
		auditor:    auditor,
		gateway:    gw,
		handler:    handler,
		now:        now,
	}
}

type fakeGroupStore struct{}

func (s *fakeGroupStore) GetGroup(_ context.Context, _ string) (*database.StakeholderGroup, error) {
	return nil, database.ErrNotFound
}

func (s *fakeGroupStore) GetGroupByType(_ context.Context, _ string) (*database.StakeholderGroup, error) {
	return nil, database.ErrNotFound
}

func (s *fakeGroupStore) GetContactsByGroup(_ context.Context, _ string) ([]*database.StakeholderContact, error) {
	return nil, nil
}

func (s *fakeGroupStore) UpdateGroupTriggers(_ context.Context, _ string, _ database.EscalationTriggers) error {
	return nil
}

func basicTemplate() *database.NotificationTemplate {
	return &database.NotificationTemplate{
		Code:       "gdpr_sa_en",
		Regulation: database.RegulationGDPR,
		Subject:    "Breach notice {incident_id}",
		Body:       "Incident {incident_id} detected.",
		Active:     true,
	}
}

func pendingNotification() *database.ScheduledNotification {
	return &database.ScheduledNotification{
		ID:             "n-001",
		WorkflowID:     "wf-001",
		IncidentID:     "inc-001",
		Type:           "supervisory_authority",
		Recipient:      "authority@example.gov",
		TemplateCode:   "gdpr_sa_en",
		Status:         database.NotificationPending,
		DeliveryMethod: database.MethodEmail,
		Priority:       database.PriorityHigh,
		MaxRetries:     3,
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Successful Delivery Marks Sent", func(t *testing.T) {
		tracked := "trk-1"
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true, TrackingID: tracked})
		n := pendingNotification()

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationSent, n.Status)
		require.NotNil(t, n.SentAt)
		assert.Equal(t, f.now, *n.SentAt)
		require.NotNil(t, n.TrackingID)
		assert.Equal(t, tracked, *n.TrackingID)
		assert.True(t, f.auditor.has("notification_sent"))
		require.Len(t, f.handler.results, 1, "Result handler should see the outcome")
	})

	t.Run("Transient Failure Schedules Exponential Backoff", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Transient: true, Err: errors.New("smtp timeout")})
		n := pendingNotification()

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationPending, n.Status, "Retryable failure keeps the notification pending")
		assert.Equal(t, 1, n.RetryCount)
		require.NotNil(t, n.NextRetryAt)
		assert.Equal(t, f.now.Add(10*time.Minute), *n.NextRetryAt, "First retry waits base delay x 2^1")
		assert.True(t, f.auditor.has("notification_retry_scheduled"))
		assert.Empty(t, f.handler.results, "Retryable failures are not terminal outcomes")
	})

	t.Run("Retry Budget Exhaustion Fails Permanently", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Transient: true, Err: errors.New("smtp timeout")})
		n := pendingNotification()
		n.RetryCount = 2
		n.MaxRetries = 3

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationFailed, n.Status)
		require.NotNil(t, n.FailedAt)
		assert.Nil(t, n.NextRetryAt)
		assert.True(t, f.auditor.has("notification_failed"))
		require.Len(t, f.handler.results, 1, "Permanent failure must reach the workflow")
	})

	t.Run("Missing Template Fails Without Consuming Retries", func(t *testing.T) {
		f := newFixture(t, nil, &gateway.Result{Success: true})
		n := pendingNotification()

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationFailed, n.Status)
		assert.Equal(t, 0, n.RetryCount, "Data errors never touch the retry budget")
		assert.Equal(t, 0, f.gateway.deliver, "Nothing should reach the gateway")
	})

	t.Run("Missing Required Field Fails Without Consuming Retries", func(t *testing.T) {
		tmpl := basicTemplate()
		tmpl.RequiredFields = []string{"legal_basis"}
		f := newFixture(t, tmpl, &gateway.Result{Success: true})
		n := pendingNotification()

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationFailed, n.Status)
		assert.Equal(t, 0, n.RetryCount)
		assert.Equal(t, 0, f.gateway.deliver)
	})

	t.Run("Suppressed Send Left Untouched", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
		contactID := "c-1"
		f.contacts.contacts[contactID] = &database.StakeholderContact{
			ID:       contactID,
			Timezone: "UTC",
			Preferences: database.ContactPreferences{
				DoNotDisturbStart: "00:00",
				DoNotDisturbEnd:   "23:59",
			},
		}
		n := pendingNotification()
		n.ContactID = &contactID
		n.Priority = database.PriorityMedium

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, database.NotificationPending, n.Status, "Suppression is not an attempt")
		assert.Equal(t, 0, n.RetryCount)
		assert.Equal(t, 0, f.gateway.deliver)
	})

	t.Run("Non Pending Notification Is Skipped", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
		n := pendingNotification()
		n.Status = database.NotificationSent

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, 0, f.gateway.deliver)
	})
}

func TestDispatcher_Schedule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})

	n := &database.ScheduledNotification{
		WorkflowID:   "wf-001",
		IncidentID:   "inc-001",
		Type:         "individual",
		TemplateCode: "gdpr_sa_en",
	}

	require.NoError(t, f.dispatcher.Schedule(ctx, n))

	assert.NotEmpty(t, n.ID, "Schedule assigns an ID")
	assert.Equal(t, database.NotificationPending, n.Status)
	assert.Equal(t, 3, n.MaxRetries, "Default retry budget comes from config")
	assert.Equal(t, f.now, n.ScheduledAt)
	assert.True(t, f.auditor.has("notification_scheduled"))
}

func TestDispatcher_RetryFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("Resets Failed Notification", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
		failedAt := f.now.Add(-time.Hour)
		msg := "gateway down"
		n := pendingNotification()
		n.Status = database.NotificationFailed
		n.FailedAt = &failedAt
		n.RetryCount = 3
		n.ErrorMessage = &msg
		f.store.notifications[n.ID] = n

		require.NoError(t, f.dispatcher.RetryFailed(ctx, n.ID, "alice"))

		assert.Equal(t, database.NotificationPending, n.Status)
		assert.Equal(t, 0, n.RetryCount)
		assert.Nil(t, n.FailedAt)
		assert.Nil(t, n.ErrorMessage)
		assert.True(t, f.auditor.has("notification_manual_retry"))
	})

	t.Run("Rejects Non Failed Status", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
		n := pendingNotification()
		n.Status = database.NotificationSent
		f.store.notifications[n.ID] = n

		err := f.dispatcher.RetryFailed(ctx, n.ID, "alice")
		assert.Error(t, err, "Only failed notifications can be manually retried")
	})
}

func TestDispatcher_Acknowledge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
	n := pendingNotification()
	n.Status = database.NotificationSent
	f.store.notifications[n.ID] = n

	require.NoError(t, f.dispatcher.Acknowledge(ctx, n.ID, "bob"))

	assert.Equal(t, database.NotificationAcknowledged, n.Status)
	require.NotNil(t, n.AcknowledgedAt)
	assert.True(t, f.auditor.has("notification_acknowledged"))
}

type fakeMetricsRecorder struct {
	sent     map[string]int
	failed   map[string]int
	retries  int
	observed []string
}

func newFakeMetricsRecorder() *fakeMetricsRecorder {
	return &fakeMetricsRecorder{sent: map[string]int{}, failed: map[string]int{}}
}

func (m *fakeMetricsRecorder) RecordSent(method string) { m.sent[method]++ }

func (m *fakeMetricsRecorder) RecordFailed(method string) { m.failed[method]++ }

func (m *fakeMetricsRecorder) RecordRetry() { m.retries++ }

func (m *fakeMetricsRecorder) ObserveDelivery(method string, _ time.Duration) {
	m.observed = append(m.observed, method)
}

func TestDispatcher_MetricsRecording(t *testing.T) {
	ctx := context.Background()

	t.Run("Success Counts Sent And Latency", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})
		rec := newFakeMetricsRecorder()
		f.dispatcher.SetMetrics(rec)

		f.dispatcher.Dispatch(ctx, pendingNotification())

		assert.Equal(t, 1, rec.sent[database.MethodEmail])
		assert.Equal(t, []string{database.MethodEmail}, rec.observed,
			"Every gateway attempt is timed")
		assert.Empty(t, rec.failed)
		assert.Zero(t, rec.retries)
	})

	t.Run("Transient Failure Counts A Retry", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Transient: true, Err: errors.New("smtp timeout")})
		rec := newFakeMetricsRecorder()
		f.dispatcher.SetMetrics(rec)

		f.dispatcher.Dispatch(ctx, pendingNotification())

		assert.Equal(t, 1, rec.retries)
		assert.Empty(t, rec.sent)
		assert.Empty(t, rec.failed)
	})

	t.Run("Exhausted Budget Counts A Failure Not A Retry", func(t *testing.T) {
		f := newFixture(t, basicTemplate(), &gateway.Result{Transient: true, Err: errors.New("smtp timeout")})
		rec := newFakeMetricsRecorder()
		f.dispatcher.SetMetrics(rec)
		n := pendingNotification()
		n.RetryCount = 2
		n.MaxRetries = 3

		f.dispatcher.Dispatch(ctx, n)

		assert.Equal(t, 1, rec.failed[database.MethodEmail])
		assert.Zero(t, rec.retries, "The retry counter tracks scheduled retries only")
	})

	t.Run("Data Error Counts A Failure Without A Gateway Attempt", func(t *testing.T) {
		f := newFixture(t, nil, &gateway.Result{Success: true})
		rec := newFakeMetricsRecorder()
		f.dispatcher.SetMetrics(rec)

		f.dispatcher.Dispatch(ctx, pendingNotification())

		assert.Equal(t, 1, rec.failed[database.MethodEmail])
		assert.Empty(t, rec.observed, "No delivery attempt, no latency sample")
	})
}

func TestDispatcher_ProcessDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, basicTemplate(), &gateway.Result{Success: true})

	first := pendingNotification()
	second := pendingNotification()
	second.ID = "n-002"
	f.store.due = []*database.ScheduledNotification{first, second}

	require.NoError(t, f.dispatcher.ProcessDue(ctx))

	assert.Equal(t, database.NotificationSent, first.Status)
	assert.Equal(t, database.NotificationSent, second.Status)
	assert.Equal(t, 2, f.gateway.deliver)
}
