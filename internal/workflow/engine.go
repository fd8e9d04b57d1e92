// Package workflow drives the per-regulation breach-notification state
// machines. The engine is stateless: the store holds the workflows, Redis
// caches the active working set, and every instance can sweep concurrently.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/breach-shield/notification-engine/internal/audit"
	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/incident"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
	"github.com/breach-shield/notification-engine/internal/template"
)

const engineActor = "workflow_engine"

// Notification type codes
const (
	NotifSupervisoryAuthority = "supervisory_authority"
	NotifIndividual           = "individual"
	NotifIndividualEmergency  = "individual_emergency"
	NotifHHS                  = "hhs"
	NotifMedia                = "media"
	NotifDPOLegal             = "dpo_legal"
	NotifExecutive            = "executive"
	NotifInternalAlert        = "internal_alert"
	NotifAuditor              = "auditor"
	NotifBoard                = "board"
)

// Stakeholder group types the machines address
const (
	GroupSupervisoryAuthority = "supervisory_authority"
	GroupHHS                  = "hhs"
	GroupMedia                = "media"
	GroupIndividuals          = "individual"
	GroupDPOLegal             = "dpo_legal"
	GroupExecutives           = "executive"
	GroupIncidentResponse     = "internal_team"
	GroupAuditors             = "auditor"
	GroupBoard                = "board"
)

// Recipient types
const (
	RecipientIndividual   = "individual"
	RecipientOrganization = "organization"
	RecipientRegulator    = "regulator"
	RecipientInternal     = "internal"
)

// States shared by every machine. Regulation-specific states live in the
// machine files.
const (
	StateInitiated              = "initiated"
	StateCompleted              = "completed"
	StateOverdue                = "overdue"
	StateOverdueResolved        = "overdue_resolved"
	StateNoNotificationRequired = "no_notification_required"
)

// Store persists workflows
type Store interface {
	Create(ctx context.Context, w *database.Workflow) error
	GetByID(ctx context.Context, id string) (*database.Workflow, error)
	GetByIncident(ctx context.Context, incidentID, regulation string) (*database.Workflow, error)
	Update(ctx context.Context, w *database.Workflow) error
	ListActive(ctx context.Context) ([]*database.Workflow, error)
}

// NotificationReader supplies a workflow's notifications for state checks
type NotificationReader interface {
	GetByWorkflowID(ctx context.Context, workflowID string) ([]*database.ScheduledNotification, error)
}

// Scheduler enqueues notifications with the dispatcher
type Scheduler interface {
	Schedule(ctx context.Context, n *database.ScheduledNotification) error
}

// EventPublisher emits workflow lifecycle events
type EventPublisher interface {
	Publish(topic, key string, payload interface{}) error
}

// MetricsRecorder counts workflow lifecycle events
type MetricsRecorder interface {
	RecordWorkflowCreated(regulation string)
	RecordEscalation(regulation string, level int)
	RecordOverdue(regulation string)
}

// Env is everything one tick of a machine may read: the workflow, its
// incident, the latest risk assessment (nil until one exists), and the
// notifications scheduled so far.
type Env struct {
	Workflow      *database.Workflow
	Incident      *incident.Incident
	Assessment    *incident.RiskAssessment
	Notifications []*database.ScheduledNotification
}

// RiskLevel returns the latest assessed risk level, empty when unassessed
func (e *Env) RiskLevel() string {
	if e.Assessment == nil {
		return ""
	}
	return e.Assessment.RiskLevel
}

// Sent reports whether a notification has been sent, delivered, or
// acknowledged
func (e *Env) Sent(id string) bool {
	return contains(e.Workflow.CompletedIDs, id)
}

// AllSent reports whether every id in the list has been sent
func (e *Env) AllSent(ids []string) bool {
	for _, id := range ids {
		if !e.Sent(id) {
			return false
		}
	}
	return len(ids) > 0
}

// DetailString reads a string value from the workflow's details bag
func (e *Env) DetailString(key string) (string, bool) {
	v, ok := e.Workflow.Details[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DetailStrings reads a string list from the details bag. JSONB round-trips
// turn []string into []interface{}; both shapes are handled.
func (e *Env) DetailStrings(key string) []string {
	v, ok := e.Workflow.Details[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Machine is one regulation's state machine
type Machine interface {
	Regulation() string

	// Build computes the initial workflow record for an incident: state,
	// priority, statutory deadline, and any regulation-specific details.
	Build(inc *incident.Incident, assessment *incident.RiskAssessment, now time.Time) *database.Workflow

	// Tick advances the workflow by at most one transition. It mutates
	// env.Workflow; the engine persists afterwards. A returned error leaves
	// the workflow in its pre-step state for the next sweep.
	Tick(ctx context.Context, env *Env) error
}

// Deps are the collaborators every machine shares
type Deps struct {
	Cfg       config.WorkflowConfig
	Logger    *slog.Logger
	Scheduler Scheduler
	Templates *template.Engine
	Directory *stakeholder.Directory
	Auditor   audit.Recorder
	Now       func() time.Time
}

// notificationSpec describes one notification fan-out to a stakeholder group
type notificationSpec struct {
	Type          string
	GroupType     string
	RecipientType string
	SendAt        time.Time
	Method        string // empty uses the contact's preferred channel
	Priority      string // empty uses the group default
	DeadlineHours *int
	Context       map[string]interface{}
}

// scheduleToGroup fans a notification out to every primary contact of a
// stakeholder group and appends the new ids to the workflow's scheduled
// list. Template resolution happens per contact language; an unresolvable
// template still schedules with a synthetic code so the dispatcher records
// the permanent failure on the audit trail.
func (d *Deps) scheduleToGroup(ctx context.Context, env *Env, spec notificationSpec) ([]string, error) {
	group, err := d.Directory.GroupByType(ctx, spec.GroupType)
	if err != nil {
		return nil, fmt.Errorf("stakeholder group %s: %w", spec.GroupType, err)
	}

	contacts, err := d.Directory.PrimaryContacts(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("contacts for group %s: %w", spec.GroupType, err)
	}
	if len(contacts) == 0 {
		d.Auditor.Record(env.Workflow.IncidentID, &env.Workflow.ID, engineActor, "no_contacts_for_group", map[string]interface{}{
			"group_type":        spec.GroupType,
			"notification_type": spec.Type,
		})
		return nil, nil
	}

	priority := spec.Priority
	if priority == "" {
		priority = group.DefaultPriority
	}

	w := env.Workflow
	notifCtx := database.JSONMap{
		"regulation":  w.Regulation,
		"deadline_at": w.Deadline.UTC().Format(time.RFC3339),
	}
	for k, v := range spec.Context {
		notifCtx[k] = v
	}

	var ids []string
	for _, contact := range contacts {
		method := spec.Method
		if method == "" {
			methods := stakeholder.DeliveryMethods(group, contact)
			if len(methods) > 0 {
				method = methods[0]
			} else {
				method = database.MethodEmail
			}
		}

		recipient := addressFor(contact, method)
		if recipient == "" {
			d.Logger.Warn("Contact has no address for channel, skipping",
				"contact_id", contact.ID,
				"method", method)
			continue
		}

		code := d.templateCode(ctx, w.Regulation, spec.Type, contact.Language)

		contactID := contact.ID
		n := &database.ScheduledNotification{
			ID:             uuid.NewString(),
			WorkflowID:     w.ID,
			IncidentID:     w.IncidentID,
			Type:           spec.Type,
			RecipientType:  spec.RecipientType,
			RecipientGroup: spec.GroupType,
			ContactID:      &contactID,
			Recipient:      recipient,
			TemplateCode:   code,
			Language:       contact.Language,
			Status:         database.NotificationPending,
			DeliveryMethod: method,
			Priority:       priority,
			ScheduledAt:    spec.SendAt,
			DeadlineHours:  spec.DeadlineHours,
			Context:        notifCtx,
		}
		if err := d.Scheduler.Schedule(ctx, n); err != nil {
			return ids, fmt.Errorf("failed to schedule %s notification: %w", spec.Type, err)
		}
		ids = append(ids, n.ID)
	}

	w.ScheduledIDs = append(w.ScheduledIDs, ids...)
	return ids, nil
}

// templateCode resolves the template for a notification type, falling back
// to a synthetic code when the chain misses so the failure surfaces at
// dispatch rather than silently skipping the notification
func (d *Deps) templateCode(ctx context.Context, regulation, notifType, language string) string {
	tmpl, err := d.Templates.Resolve(ctx, regulation, notifType, language)
	if err != nil {
		if !errors.Is(err, template.ErrNoTemplate) {
			d.Logger.Warn("Template resolution failed", "regulation", regulation, "type", notifType, "error", err)
		}
		return fmt.Sprintf("%s_%s_%s", regulation, notifType, language)
	}
	return tmpl.Code
}

// addressFor picks the contact address for a delivery method
func addressFor(contact *database.StakeholderContact, method string) string {
	switch method {
	case database.MethodEmail:
		if contact.Email != nil {
			return *contact.Email
		}
	case database.MethodSMS, database.MethodPhone:
		if contact.Phone != nil {
			return *contact.Phone
		}
	case database.MethodMail:
		if contact.PostalAddress != nil {
			return *contact.PostalAddress
		}
	case database.MethodWebhook:
		if contact.WebhookURL != nil {
			return *contact.WebhookURL
		}
	}
	return ""
}

// Engine runs the regulation machines over the active workflow set
type Engine struct {
	cfg           config.WorkflowConfig
	topics        config.TopicsConfig
	logger        *slog.Logger
	store         Store
	notifications NotificationReader
	incidents     incident.Provider
	auditor       audit.Recorder
	events        EventPublisher
	cache         *ActiveCache
	metrics       MetricsRecorder
	deps          *Deps
	machines      map[string]Machine
	now           func() time.Time

	ticking sync.Map // workflow id -> struct{}, reentrancy guard

	timersMu sync.Mutex
	timers   []*time.Timer
}

// NewEngine creates the workflow engine with one machine per regulation
func NewEngine(
	cfg config.WorkflowConfig,
	topics config.TopicsConfig,
	logger *slog.Logger,
	store Store,
	notifications NotificationReader,
	incidents incident.Provider,
	templates *template.Engine,
	directory *stakeholder.Directory,
	scheduler Scheduler,
	auditor audit.Recorder,
	events EventPublisher,
	cache *ActiveCache,
) *Engine {
	deps := &Deps{
		Cfg:       cfg,
		Logger:    logger,
		Scheduler: scheduler,
		Templates: templates,
		Directory: directory,
		Auditor:   auditor,
		Now:       time.Now,
	}

	e := &Engine{
		cfg:           cfg,
		topics:        topics,
		logger:        logger,
		store:         store,
		notifications: notifications,
		incidents:     incidents,
		auditor:       auditor,
		events:        events,
		cache:         cache,
		deps:          deps,
		now:           time.Now,
		machines: map[string]Machine{
			database.RegulationGDPR:  NewGDPRMachine(deps),
			database.RegulationHIPAA: NewHIPAAMachine(deps),
			database.RegulationSOC2:  NewSOC2Machine(deps),
		},
	}
	return e
}

// SetMetrics registers the metrics collector. Called once during wiring,
// before any workflow is created.
func (e *Engine) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// Stop cancels all pending escalation point-check timers
func (e *Engine) Stop() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

// CreateWorkflow creates a workflow for an incident under one regulation.
// Idempotent: an existing non-terminal workflow for the same pair is
// returned unchanged.
func (e *Engine) CreateWorkflow(ctx context.Context, incidentID, regulation string) (*database.Workflow, error) {
	machine, ok := e.machines[regulation]
	if !ok {
		return nil, fmt.Errorf("unknown regulation %s", regulation)
	}

	existing, err := e.store.GetByIncident(ctx, incidentID, regulation)
	if err == nil && !existing.Terminal() {
		return existing, nil
	}
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	inc, err := e.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("incident lookup failed: %w", err)
	}

	assessment, err := e.incidents.GetLatestRiskAssessment(ctx, incidentID)
	if err != nil {
		if !errors.Is(err, incident.ErrNotFound) {
			return nil, fmt.Errorf("risk assessment lookup failed: %w", err)
		}
		assessment = nil
	}

	w := machine.Build(inc, assessment, e.now())
	w.ID = uuid.NewString()
	w.IncidentID = incidentID
	w.Regulation = regulation
	if w.State == "" {
		w.State = StateInitiated
	}
	if w.Details == nil {
		w.Details = database.JSONMap{}
	}

	if err := e.store.Create(ctx, w); err != nil {
		return nil, err
	}
	e.cache.Add(ctx, w.ID)
	if e.metrics != nil {
		e.metrics.RecordWorkflowCreated(regulation)
	}

	e.auditor.Record(incidentID, &w.ID, engineActor, "workflow_created", map[string]interface{}{
		"regulation": regulation,
		"priority":   w.Priority,
		"deadline":   w.Deadline,
	})

	e.scheduleEscalationChecks(w)

	// First tick runs inline so immediate notifications go out without
	// waiting for the next sweep
	if err := e.TickWorkflow(ctx, w.ID); err != nil {
		e.logger.Warn("Initial workflow tick failed", "workflow_id", w.ID, "error", err)
	}

	return w, nil
}

// Sweep ticks every active workflow with bounded parallelism. One
// workflow's latency never blocks another's tick.
func (e *Engine) Sweep(ctx context.Context) error {
	ids, err := e.activeIDs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.MaxConcurrentTicks
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := e.TickWorkflow(gctx, id); err != nil {
				e.logger.Error("Workflow tick failed", "workflow_id", id, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) activeIDs(ctx context.Context) ([]string, error) {
	if ids, ok := e.cache.IDs(ctx); ok {
		return ids, nil
	}

	workflows, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(workflows))
	for i, w := range workflows {
		ids[i] = w.ID
	}
	e.cache.Refill(ctx, ids)
	return ids, nil
}

// TickWorkflow runs one tick for one workflow. Overlapping ticks for the
// same workflow are skipped, not queued.
func (e *Engine) TickWorkflow(ctx context.Context, id string) error {
	if _, busy := e.ticking.LoadOrStore(id, struct{}{}); busy {
		e.logger.Debug("Tick already in progress, skipping", "workflow_id", id)
		return nil
	}
	defer e.ticking.Delete(id)

	tickCtx := ctx
	if e.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, e.cfg.TickTimeout)
		defer cancel()
	}

	w, err := e.store.GetByID(tickCtx, id)
	if err != nil {
		return err
	}
	if w.Terminal() {
		e.cache.Remove(tickCtx, w.ID)
		return nil
	}

	env, err := e.buildEnv(tickCtx, w)
	if err != nil {
		e.auditor.Record(w.IncidentID, &w.ID, engineActor, w.State+"_failed", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	machine := e.machines[w.Regulation]
	if machine == nil {
		return fmt.Errorf("workflow %s has unknown regulation %s", w.ID, w.Regulation)
	}

	stateBefore := w.State
	if err := machine.Tick(tickCtx, env); err != nil {
		// Step failures leave the workflow where it was for the next sweep
		e.auditor.Record(w.IncidentID, &w.ID, engineActor, stateBefore+"_failed", map[string]interface{}{
			"error": err.Error(),
		})
		e.logger.Warn("Workflow step failed",
			"workflow_id", w.ID,
			"state", stateBefore,
			"error", err)
	} else if w.State != stateBefore {
		e.auditor.Record(w.IncidentID, &w.ID, engineActor, "state_transition", map[string]interface{}{
			"from": stateBefore,
			"to":   w.State,
		})
	}

	e.applyEscalation(tickCtx, env)

	if err := e.store.Update(tickCtx, w); err != nil {
		return err
	}
	if w.Terminal() {
		e.cache.Remove(tickCtx, w.ID)
	}
	return nil
}

func (e *Engine) buildEnv(ctx context.Context, w *database.Workflow) (*Env, error) {
	inc, err := e.incidents.GetIncident(ctx, w.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("incident lookup failed: %w", err)
	}

	assessment, err := e.incidents.GetLatestRiskAssessment(ctx, w.IncidentID)
	if err != nil {
		if !errors.Is(err, incident.ErrNotFound) {
			return nil, fmt.Errorf("risk assessment lookup failed: %w", err)
		}
		assessment = nil
	}

	notifications, err := e.notifications.GetByWorkflowID(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("notification lookup failed: %w", err)
	}

	return &Env{Workflow: w, Incident: inc, Assessment: assessment, Notifications: notifications}, nil
}

// applyEscalation walks the ladder from the workflow's current level up to
// the level its remaining time has crossed, firing each level's action
// exactly once. The level never decreases.
func (e *Engine) applyEscalation(ctx context.Context, env *Env) {
	w := env.Workflow
	if w.Terminal() {
		return
	}

	remaining := w.TimeRemaining(e.now())
	target := LevelFor(remaining)

	for level := w.EscalationLevel + 1; level <= target; level++ {
		action := ActionFor(level)
		w.EscalationLevel = level
		w.EscalationEvents = append(w.EscalationEvents, database.EscalationEvent{
			Level:     level,
			Action:    action,
			Remaining: remaining.Round(time.Minute).String(),
			FiredAt:   e.now(),
		})

		e.auditor.Record(w.IncidentID, &w.ID, engineActor, "workflow_escalated", map[string]interface{}{
			"level":     level,
			"action":    action,
			"remaining": remaining.String(),
		})
		e.publish(e.topics.WorkflowEscalated, w)
		if e.metrics != nil {
			e.metrics.RecordEscalation(w.Regulation, level)
		}

		if err := e.executeEscalationAction(ctx, env, level, action); err != nil {
			e.auditor.Record(w.IncidentID, &w.ID, engineActor, "escalation_action_failed", map[string]interface{}{
				"level":  level,
				"action": action,
				"error":  err.Error(),
			})
			e.logger.Error("Escalation action failed",
				"workflow_id", w.ID,
				"level", level,
				"action", action,
				"error", err)
		}
	}
}

func (e *Engine) executeEscalationAction(ctx context.Context, env *Env, level int, action string) error {
	w := env.Workflow
	now := e.now()
	alertCtx := map[string]interface{}{
		"escalation_level": fmt.Sprintf("%d", level),
	}

	switch action {
	case ActionNotifyDPOLegal:
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifDPOLegal, GroupType: GroupDPOLegal, RecipientType: RecipientInternal,
			SendAt: now, Priority: database.PriorityHigh, Context: alertCtx,
		})
		return err

	case ActionNotifyExecutives:
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifExecutive, GroupType: GroupExecutives, RecipientType: RecipientInternal,
			SendAt: now, Priority: database.PriorityHigh, Context: alertCtx,
		})
		return err

	case ActionPrepareEmergency:
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifIndividualEmergency, GroupType: GroupIndividuals, RecipientType: RecipientIndividual,
			SendAt: now, Priority: database.PriorityUrgent, Context: alertCtx,
		})
		return err

	case ActionEmergencyResponse:
		e.auditor.Record(w.IncidentID, &w.ID, engineActor, "emergency_response_activated", map[string]interface{}{
			"level": level,
		})
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifInternalAlert, GroupType: GroupIncidentResponse, RecipientType: RecipientInternal,
			SendAt: now, Priority: database.PriorityUrgent, Context: alertCtx,
		})
		return err

	case ActionFinalWarning:
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifInternalAlert, GroupType: GroupIncidentResponse, RecipientType: RecipientInternal,
			SendAt: now, Priority: database.PriorityUrgent, Context: alertCtx,
		})
		return err

	case ActionMarkOverdue:
		w.State = StateOverdue
		e.auditor.Record(w.IncidentID, &w.ID, engineActor, "workflow_overdue", map[string]interface{}{
			"deadline": w.Deadline,
		})
		e.publish(e.topics.WorkflowOverdue, w)
		if e.metrics != nil {
			e.metrics.RecordOverdue(w.Regulation)
		}
		_, err := e.deps.scheduleToGroup(ctx, env, notificationSpec{
			Type: NotifInternalAlert, GroupType: GroupIncidentResponse, RecipientType: RecipientInternal,
			SendAt: now, Priority: database.PriorityUrgent, Context: alertCtx,
		})
		return err
	}

	return fmt.Errorf("unknown escalation action %s", action)
}

// scheduleEscalationChecks arms a point-in-time check at each ladder
// threshold before the deadline, so escalations fire on time rather than
// waiting for the next periodic sweep. The periodic sweep remains the
// durable fallback across restarts.
func (e *Engine) scheduleEscalationChecks(w *database.Workflow) {
	remaining := w.TimeRemaining(e.now())
	id := w.ID

	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	for _, threshold := range Thresholds() {
		if remaining <= threshold {
			continue
		}
		wait := remaining - threshold
		timer := time.AfterFunc(wait, func() {
			timeout := e.cfg.TickTimeout
			if timeout <= 0 {
				timeout = 2 * time.Minute
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := e.TickWorkflow(ctx, id); err != nil {
				e.logger.Error("Escalation point-check failed", "workflow_id", id, "error", err)
			}
		})
		e.timers = append(e.timers, timer)
	}
}

// HandleNotificationResult implements the dispatcher's result callback. It
// records the outcome on the owning workflow and ticks it so completions
// advance state without waiting for a sweep.
func (e *Engine) HandleNotificationResult(ctx context.Context, n *database.ScheduledNotification) {
	w, err := e.store.GetByID(ctx, n.WorkflowID)
	if err != nil {
		e.logger.Error("Failed to load workflow for notification result",
			"workflow_id", n.WorkflowID,
			"notification_id", n.ID,
			"error", err)
		return
	}

	changed := false
	switch n.Status {
	case database.NotificationSent, database.NotificationDelivered, database.NotificationAcknowledged:
		if !contains(w.CompletedIDs, n.ID) {
			w.CompletedIDs = append(w.CompletedIDs, n.ID)
			changed = true
		}
	case database.NotificationFailed:
		if !contains(w.FailedIDs, n.ID) {
			w.FailedIDs = append(w.FailedIDs, n.ID)
			changed = true
			e.auditor.Record(w.IncidentID, &w.ID, engineActor, "notification_failure_observed", map[string]interface{}{
				"notification_id": n.ID,
				"type":            n.Type,
			})
		}
	}

	if changed {
		if err := e.store.Update(ctx, w); err != nil {
			e.logger.Error("Failed to record notification result on workflow",
				"workflow_id", w.ID,
				"error", err)
			return
		}
	}

	if err := e.TickWorkflow(ctx, w.ID); err != nil {
		e.logger.Error("Post-result workflow tick failed", "workflow_id", w.ID, "error", err)
	}
}

// CompleteWorkflow is the administrative completion override. An overdue
// workflow resolves to overdue_resolved; anything else completes.
func (e *Engine) CompleteWorkflow(ctx context.Context, id, actor string) (*database.Workflow, error) {
	w, err := e.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Terminal() {
		return nil, fmt.Errorf("workflow %s is already terminal (%s)", id, w.State)
	}

	from := w.State
	if w.State == StateOverdue {
		w.State = StateOverdueResolved
	} else {
		w.State = StateCompleted
	}
	now := e.now()
	w.CompletedAt = &now

	if err := e.store.Update(ctx, w); err != nil {
		return nil, err
	}
	e.cache.Remove(ctx, w.ID)

	e.auditor.Record(w.IncidentID, &w.ID, actor, "workflow_completed", map[string]interface{}{
		"from": from,
		"to":   w.State,
	})
	return w, nil
}

func (e *Engine) publish(topic string, w *database.Workflow) {
	if e.events == nil || topic == "" {
		return
	}
	if err := e.events.Publish(topic, w.ID, w); err != nil {
		e.logger.Error("Failed to publish workflow event",
			"topic", topic,
			"workflow_id", w.ID,
			"error", err)
	}
}

func contains(list []string, id string) bool {
	for _, item := range list {
		if item == id {
			return true
		}
	}
	return false
}
