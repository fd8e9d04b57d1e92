// Package dispatcher owns the queue of scheduled notifications: it sends
// due ones, retries transient failures with exponential backoff, marks
// permanent failures, and reports outcomes back to the owning workflow.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/breach-shield/notification-engine/internal/audit"
	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/gateway"
	"github.com/breach-shield/notification-engine/internal/incident"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
	"github.com/breach-shield/notification-engine/internal/template"
)

const systemActor = "dispatcher"

// NotificationStore persists scheduled notifications
type NotificationStore interface {
	Create(ctx context.Context, n *database.ScheduledNotification) error
	GetByID(ctx context.Context, id string) (*database.ScheduledNotification, error)
	Update(ctx context.Context, n *database.ScheduledNotification) error
	GetDue(ctx context.Context, limit int) ([]*database.ScheduledNotification, error)
	GetUnanswered(ctx context.Context, limit int) ([]*database.ScheduledNotification, error)
}

// ContactStore supplies contact records for the preference gate
type ContactStore interface {
	GetContact(ctx context.Context, id string) (*database.StakeholderContact, error)
}

// ResultHandler receives terminal notification outcomes. The workflow
// engine registers itself here; permanent failures are what it escalates on.
type ResultHandler interface {
	HandleNotificationResult(ctx context.Context, n *database.ScheduledNotification)
}

// EventPublisher emits notification lifecycle events to downstream topics
type EventPublisher interface {
	Publish(topic, key string, payload interface{}) error
}

// MetricsRecorder counts delivery outcomes
type MetricsRecorder interface {
	RecordSent(method string)
	RecordFailed(method string)
	RecordRetry()
	ObserveDelivery(method string, elapsed time.Duration)
}

// Dispatcher is the notification scheduler/dispatcher
type Dispatcher struct {
	cfg       config.DispatcherConfig
	topics    config.TopicsConfig
	logger    *slog.Logger
	store     NotificationStore
	contacts  ContactStore
	templates *template.Engine
	directory *stakeholder.Directory
	gateways  *gateway.Registry
	incidents incident.Provider
	auditor   audit.Recorder
	events    EventPublisher
	limiters  map[string]*rate.Limiter
	handler   ResultHandler
	metrics   MetricsRecorder
	now       func() time.Time
}

// New creates a new dispatcher
func New(
	cfg config.DispatcherConfig,
	notifCfg config.NotificationsConfig,
	topics config.TopicsConfig,
	logger *slog.Logger,
	store NotificationStore,
	contacts ContactStore,
	templates *template.Engine,
	directory *stakeholder.Directory,
	gateways *gateway.Registry,
	incidents incident.Provider,
	auditor audit.Recorder,
	events EventPublisher,
) *Dispatcher {
	limiters := map[string]*rate.Limiter{}
	if notifCfg.Email.RateLimitPerMin > 0 {
		limiters[database.MethodEmail] = rate.NewLimiter(
			rate.Limit(notifCfg.Email.RateLimitPerMin)/60, notifCfg.Email.RateLimitPerMin)
	}
	if notifCfg.SMS.RateLimitPerMin > 0 {
		limiters[database.MethodSMS] = rate.NewLimiter(
			rate.Limit(notifCfg.SMS.RateLimitPerMin)/60, notifCfg.SMS.RateLimitPerMin)
		limiters[database.MethodPhone] = rate.NewLimiter(
			rate.Limit(notifCfg.SMS.RateLimitPerMin)/60, notifCfg.SMS.RateLimitPerMin)
	}
	if notifCfg.Webhook.RateLimitPerMin > 0 {
		limiters[database.MethodWebhook] = rate.NewLimiter(
			rate.Limit(notifCfg.Webhook.RateLimitPerMin)/60, notifCfg.Webhook.RateLimitPerMin)
	}

	return &Dispatcher{
		cfg:       cfg,
		topics:    topics,
		logger:    logger,
		store:     store,
		contacts:  contacts,
		templates: templates,
		directory: directory,
		gateways:  gateways,
		incidents: incidents,
		auditor:   auditor,
		events:    events,
		limiters:  limiters,
		now:       time.Now,
	}
}

// SetResultHandler registers the workflow engine's completion callback.
// Called once during wiring, before any sweep runs.
func (d *Dispatcher) SetResultHandler(handler ResultHandler) {
	d.handler = handler
}

// SetMetrics registers the metrics collector. Called once during wiring,
// before any sweep runs.
func (d *Dispatcher) SetMetrics(m MetricsRecorder) {
	d.metrics = m
}

// Schedule enqueues a notification for delivery at its scheduled time
func (d *Dispatcher) Schedule(ctx context.Context, n *database.ScheduledNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = database.NotificationPending
	}
	if n.MaxRetries == 0 {
		n.MaxRetries = d.cfg.MaxRetries
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = d.now()
	}

	if err := d.store.Create(ctx, n); err != nil {
		return err
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "notification_scheduled", map[string]interface{}{
		"notification_id": n.ID,
		"type":            n.Type,
		"method":          n.DeliveryMethod,
		"scheduled_at":    n.ScheduledAt,
	})
	return nil
}

// ProcessDue selects all pending notifications whose send time has arrived
// and attempts each one. One notification's failure never aborts the sweep.
func (d *Dispatcher) ProcessDue(ctx context.Context) error {
	due, err := d.store.GetDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to select due notifications: %w", err)
	}

	for _, n := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.Dispatch(ctx, n)
	}

	return nil
}

// Dispatch attempts delivery of one notification
func (d *Dispatcher) Dispatch(ctx context.Context, n *database.ScheduledNotification) {
	if n.Status != database.NotificationPending {
		return
	}

	rendered, err := d.render(ctx, n)
	if err != nil {
		// Data errors: retrying will not fix a missing template or a
		// missing required field. Fail immediately without consuming a
		// retry slot.
		d.markPermanentFailure(ctx, n, err)
		return
	}

	allowed, reason, err := d.preferenceGate(ctx, n)
	if err != nil {
		d.markPermanentFailure(ctx, n, err)
		return
	}
	if !allowed {
		// Suppressed sends are "not yet attempted"; the next sweep retries
		// without touching the retry budget.
		d.logger.Debug("Notification suppressed by contact preferences",
			"notification_id", n.ID,
			"reason", reason)
		return
	}

	method := n.DeliveryMethod
	if method == "" {
		method = rendered.DeliveryMethod
		n.DeliveryMethod = method
	}

	if limiter, ok := d.limiters[method]; ok && !limiter.Allow() {
		// Rate-limited sends wait for the next sweep, like suppressed ones
		d.logger.Debug("Notification rate limited", "notification_id", n.ID, "method", method)
		return
	}

	gw, err := d.gateways.Get(method)
	if err != nil {
		d.markPermanentFailure(ctx, n, err)
		return
	}

	n.Subject = &rendered.Subject
	n.Body = &rendered.Body

	deliverCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	start := time.Now()
	result := gw.Deliver(deliverCtx, &gateway.Message{
		NotificationID: n.ID,
		Subject:        rendered.Subject,
		Body:           rendered.Body,
		Priority:       n.Priority,
		Recipient:      n.Recipient,
	})
	cancel()
	if d.metrics != nil {
		d.metrics.ObserveDelivery(method, time.Since(start))
	}

	if result.Success {
		d.markSent(ctx, n, result)
		return
	}

	if result.Transient {
		d.retryOrFail(ctx, n, result.Err)
		return
	}
	d.markPermanentFailure(ctx, n, result.Err)
}

// render resolves the template and renders it against the incident context
func (d *Dispatcher) render(ctx context.Context, n *database.ScheduledNotification) (*template.Rendered, error) {
	inc, err := d.incidents.GetIncident(ctx, n.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("incident lookup failed: %w", err)
	}

	renderCtx := &template.Context{
		IncidentID:     inc.ID,
		IncidentType:   inc.Type,
		DetectedAt:     inc.DetectedAt,
		RecordCount:    inc.EstimatedRecords,
		DataCategories: inc.DataCategories,
		CustomFields:   map[string]string{},
	}

	if assessment, err := d.incidents.GetLatestRiskAssessment(ctx, n.IncidentID); err == nil {
		renderCtx.RiskLevel = assessment.RiskLevel
		renderCtx.Mitigations = assessment.Mitigation
	} else if !errors.Is(err, incident.ErrNotFound) {
		return nil, fmt.Errorf("risk assessment lookup failed: %w", err)
	}

	for k, v := range n.Context {
		switch value := v.(type) {
		case string:
			switch k {
			case "regulation":
				renderCtx.Regulation = value
			case "organization_name":
				renderCtx.OrganizationName = value
			case "contact_email":
				renderCtx.ContactEmail = value
			case "deadline_at":
				if t, err := time.Parse(time.RFC3339, value); err == nil {
					renderCtx.DeadlineAt = t
				}
			default:
				renderCtx.CustomFields[k] = value
			}
		default:
			renderCtx.CustomFields[k] = fmt.Sprintf("%v", v)
		}
	}

	tmpl, err := d.templates.ResolveByCode(ctx, n.TemplateCode)
	if err != nil {
		return nil, err
	}

	return d.templates.Render(tmpl, renderCtx)
}

// preferenceGate applies the contact's do-not-disturb and weekend rules.
// Notifications without a contact record (regulator portals, internal
// aliases) pass through.
func (d *Dispatcher) preferenceGate(ctx context.Context, n *database.ScheduledNotification) (bool, string, error) {
	if n.ContactID == nil || *n.ContactID == "" {
		return true, "", nil
	}

	contact, err := d.contacts.GetContact(ctx, *n.ContactID)
	if err != nil {
		return false, "", fmt.Errorf("contact lookup failed: %w", err)
	}

	allowed, reason := stakeholder.AllowDelivery(contact, n.Priority, d.now())
	return allowed, reason, nil
}

func (d *Dispatcher) markSent(ctx context.Context, n *database.ScheduledNotification, result *gateway.Result) {
	now := d.now()
	n.SentAt = &now
	n.Status = database.NotificationSent
	if result.DeliveredAt != nil {
		n.Status = database.NotificationDelivered
		n.DeliveredAt = result.DeliveredAt
	}
	if result.TrackingID != "" {
		n.TrackingID = &result.TrackingID
	}
	n.NextRetryAt = nil
	n.ErrorMessage = nil

	if err := d.store.Update(ctx, n); err != nil {
		d.logger.Error("Failed to persist sent notification", "notification_id", n.ID, "error", err)
		return
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "notification_sent", map[string]interface{}{
		"notification_id": n.ID,
		"method":          n.DeliveryMethod,
		"tracking_id":     result.TrackingID,
	})
	d.publish(d.topics.NotificationSent, n)
	if d.metrics != nil {
		d.metrics.RecordSent(n.DeliveryMethod)
	}

	d.logger.Info("Notification sent",
		"notification_id", n.ID,
		"workflow_id", n.WorkflowID,
		"method", n.DeliveryMethod)

	if d.handler != nil {
		d.handler.HandleNotificationResult(ctx, n)
	}
}

// retryOrFail increments the retry count and either reschedules with
// exponential backoff (5min x 2^retry_count) or marks the notification
// permanently failed once the budget is spent
func (d *Dispatcher) retryOrFail(ctx context.Context, n *database.ScheduledNotification, cause error) {
	n.RetryCount++
	msg := cause.Error()
	n.ErrorMessage = &msg

	if n.RetryCount >= n.MaxRetries {
		d.fail(ctx, n, cause)
		return
	}

	delay := d.cfg.RetryBaseDelay * (1 << n.RetryCount)
	next := d.now().Add(delay)
	n.NextRetryAt = &next

	if err := d.store.Update(ctx, n); err != nil {
		d.logger.Error("Failed to persist retry state", "notification_id", n.ID, "error", err)
		return
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "notification_retry_scheduled", map[string]interface{}{
		"notification_id": n.ID,
		"retry_count":     n.RetryCount,
		"next_retry_at":   next,
		"error":           msg,
	})
	if d.metrics != nil {
		d.metrics.RecordRetry()
	}

	d.logger.Warn("Notification delivery failed, retry scheduled",
		"notification_id", n.ID,
		"retry_count", n.RetryCount,
		"next_retry_at", next,
		"error", cause)
}

// markPermanentFailure fails a notification without consuming its retry
// budget: template and data errors cannot be fixed by retrying
func (d *Dispatcher) markPermanentFailure(ctx context.Context, n *database.ScheduledNotification, cause error) {
	d.fail(ctx, n, cause)
}

func (d *Dispatcher) fail(ctx context.Context, n *database.ScheduledNotification, cause error) {
	now := d.now()
	n.Status = database.NotificationFailed
	n.FailedAt = &now
	n.NextRetryAt = nil
	msg := cause.Error()
	n.ErrorMessage = &msg

	if err := d.store.Update(ctx, n); err != nil {
		d.logger.Error("Failed to persist failed notification", "notification_id", n.ID, "error", err)
		return
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "notification_failed", map[string]interface{}{
		"notification_id": n.ID,
		"retry_count":     n.RetryCount,
		"error":           msg,
	})
	d.publish(d.topics.NotificationFailed, n)
	if d.metrics != nil {
		d.metrics.RecordFailed(n.DeliveryMethod)
	}

	d.logger.Error("Notification permanently failed",
		"notification_id", n.ID,
		"workflow_id", n.WorkflowID,
		"error", cause)

	if d.handler != nil {
		d.handler.HandleNotificationResult(ctx, n)
	}
}

// RetryFailed is the manual override for a permanently failed notification.
// It is the only mutation allowed on a terminal notification.
func (d *Dispatcher) RetryFailed(ctx context.Context, id, actor string) error {
	n, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != database.NotificationFailed {
		return fmt.Errorf("notification %s is %s, only failed notifications can be manually retried", id, n.Status)
	}

	n.Status = database.NotificationPending
	n.RetryCount = 0
	n.NextRetryAt = nil
	n.FailedAt = nil
	n.ErrorMessage = nil
	n.ScheduledAt = d.now()

	if err := d.store.Update(ctx, n); err != nil {
		return err
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, actor, "notification_manual_retry", map[string]interface{}{
		"notification_id": n.ID,
	})
	return nil
}

// Acknowledge records a recipient response
func (d *Dispatcher) Acknowledge(ctx context.Context, id, actor string) error {
	n, err := d.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	now := d.now()
	n.Status = database.NotificationAcknowledged
	n.AcknowledgedAt = &now

	if err := d.store.Update(ctx, n); err != nil {
		return err
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, actor, "notification_acknowledged", map[string]interface{}{
		"notification_id": n.ID,
	})
	return nil
}

func (d *Dispatcher) publish(topic string, n *database.ScheduledNotification) {
	if d.events == nil || topic == "" {
		return
	}
	if err := d.events.Publish(topic, n.WorkflowID, n); err != nil {
		d.logger.Error("Failed to publish notification event",
			"topic", topic,
			"notification_id", n.ID,
			"error", err)
	}
}
