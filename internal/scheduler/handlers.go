package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/breach-shield/notification-engine/internal/config"
)

// Sweeper ticks the active workflow set
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Dispatcher processes due notifications and lapsed response deadlines
type Dispatcher interface {
	ProcessDue(ctx context.Context) error
	ProcessResponseDeadlines(ctx context.Context) error
}

// Cleaner removes terminal records past their retention window
type Cleaner interface {
	CleanupOld(ctx context.Context, retentionDays int) (int, error)
}

// StatsCollector refreshes gauge metrics from the store
type StatsCollector interface {
	Collect(ctx context.Context) error
}

// Handlers bundles the task handlers the scheduler runs
type Handlers struct {
	WorkflowSweep    TaskHandler
	Dispatch         TaskHandler
	EscalationCheck  TaskHandler
	ResponseDeadline TaskHandler
	RetentionCleanup TaskHandler
	Metrics          TaskHandler
}

// NewHandlers wires the default handler set
func NewHandlers(
	cfg *config.Config,
	logger *slog.Logger,
	sweeper Sweeper,
	dispatcher Dispatcher,
	notificationCleaner Cleaner,
	auditCleaner Cleaner,
	stats StatsCollector,
) *Handlers {
	return &Handlers{
		WorkflowSweep:    &WorkflowSweepHandler{sweeper: sweeper, logger: logger},
		Dispatch:         &DispatchHandler{dispatcher: dispatcher, logger: logger},
		EscalationCheck:  &EscalationCheckHandler{sweeper: sweeper, logger: logger},
		ResponseDeadline: &ResponseDeadlineHandler{dispatcher: dispatcher, logger: logger},
		RetentionCleanup: &RetentionCleanupHandler{
			cfg:                 cfg,
			logger:              logger,
			notificationCleaner: notificationCleaner,
			auditCleaner:        auditCleaner,
		},
		Metrics: &MetricsHandler{stats: stats, logger: logger},
	}
}

// WorkflowSweepHandler ticks every active workflow
type WorkflowSweepHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// Execute implements TaskHandler
func (h *WorkflowSweepHandler) Execute(ctx context.Context) error {
	if err := h.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("workflow sweep failed: %w", err)
	}
	return nil
}

// GetName implements TaskHandler
func (h *WorkflowSweepHandler) GetName() string { return "Workflow Sweep" }

// DispatchHandler sends due notifications
type DispatchHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// Execute implements TaskHandler
func (h *DispatchHandler) Execute(ctx context.Context) error {
	if err := h.dispatcher.ProcessDue(ctx); err != nil {
		return fmt.Errorf("notification dispatch failed: %w", err)
	}
	return nil
}

// GetName implements TaskHandler
func (h *DispatchHandler) GetName() string { return "Notification Dispatch" }

// EscalationCheckHandler re-evaluates the escalation ladder between the
// slower workflow sweeps. A tick is cheap when nothing has crossed a
// threshold.
type EscalationCheckHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// Execute implements TaskHandler
func (h *EscalationCheckHandler) Execute(ctx context.Context) error {
	if err := h.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("escalation check failed: %w", err)
	}
	return nil
}

// GetName implements TaskHandler
func (h *EscalationCheckHandler) GetName() string { return "Escalation Check" }

// ResponseDeadlineHandler fires no_response escalation triggers for
// unanswered notifications
type ResponseDeadlineHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// Execute implements TaskHandler
func (h *ResponseDeadlineHandler) Execute(ctx context.Context) error {
	if err := h.dispatcher.ProcessResponseDeadlines(ctx); err != nil {
		return fmt.Errorf("response deadline check failed: %w", err)
	}
	return nil
}

// GetName implements TaskHandler
func (h *ResponseDeadlineHandler) GetName() string { return "Response Deadline Check" }

// RetentionCleanupHandler removes terminal notifications and expired audit
// entries past their retention windows
type RetentionCleanupHandler struct {
	cfg                 *config.Config
	logger              *slog.Logger
	notificationCleaner Cleaner
	auditCleaner        Cleaner
}

// Execute implements TaskHandler
func (h *RetentionCleanupHandler) Execute(ctx context.Context) error {
	notifCount, err := h.notificationCleaner.CleanupOld(ctx, h.cfg.Retention.NotificationRetentionDays)
	if err != nil {
		return fmt.Errorf("notification cleanup failed: %w", err)
	}

	auditCount, err := h.auditCleaner.CleanupOld(ctx, h.cfg.Retention.AuditRetentionDays)
	if err != nil {
		return fmt.Errorf("audit cleanup failed: %w", err)
	}

	h.logger.Info("Retention cleanup completed",
		"notifications_deleted", notifCount,
		"audit_entries_deleted", auditCount)
	return nil
}

// GetName implements TaskHandler
func (h *RetentionCleanupHandler) GetName() string { return "Retention Cleanup" }

// MetricsHandler refreshes store-derived gauges
type MetricsHandler struct {
	stats  StatsCollector
	logger *slog.Logger
}

// Execute implements TaskHandler
func (h *MetricsHandler) Execute(ctx context.Context) error {
	if err := h.stats.Collect(ctx); err != nil {
		return fmt.Errorf("metrics collection failed: %w", err)
	}
	return nil
}

// GetName implements TaskHandler
func (h *MetricsHandler) GetName() string { return "Metrics Collection" }
