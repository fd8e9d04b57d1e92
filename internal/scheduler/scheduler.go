// Package scheduler runs the engine's periodic work on a cron cadence:
// workflow sweeps, notification dispatch, escalation and response-deadline
// checks, retention cleanup, and metrics collection.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/breach-shield/notification-engine/internal/config"
)

// TaskHandler defines the interface for scheduled task handlers
type TaskHandler interface {
	Execute(ctx context.Context) error
	GetName() string
}

// ScheduledTask tracks one periodic task and its run statistics
type ScheduledTask struct {
	ID          string
	Name        string
	Schedule    string
	Handler     TaskHandler
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	ErrorCount  int64
	Enabled     bool
	cronEntryID cron.EntryID
}

// Scheduler manages the engine's periodic tasks
type Scheduler struct {
	config *config.Config
	logger *slog.Logger
	cron   *cron.Cron

	tasks      map[string]*ScheduledTask
	tasksMutex sync.RWMutex
}

// New creates a scheduler with the engine's default task set
func New(cfg *config.Config, logger *slog.Logger, handlers *Handlers) (*Scheduler, error) {
	s := &Scheduler{
		config: cfg,
		logger: logger,
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*ScheduledTask),
	}

	defaults := []*ScheduledTask{
		{
			ID:       "workflow_sweep",
			Name:     "Workflow Sweep",
			Schedule: cfg.Scheduler.WorkflowSweepSchedule,
			Handler:  handlers.WorkflowSweep,
			Enabled:  true,
		},
		{
			ID:       "notification_dispatch",
			Name:     "Notification Dispatch",
			Schedule: cfg.Scheduler.DispatchSchedule,
			Handler:  handlers.Dispatch,
			Enabled:  true,
		},
		{
			ID:       "fast_notification_dispatch",
			Name:     "Fast Notification Dispatch",
			Schedule: cfg.Scheduler.FastDispatchSchedule,
			Handler:  handlers.Dispatch,
			Enabled:  true,
		},
		{
			ID:       "escalation_check",
			Name:     "Escalation Check",
			Schedule: cfg.Scheduler.EscalationCheckSchedule,
			Handler:  handlers.EscalationCheck,
			Enabled:  true,
		},
		{
			ID:       "response_deadline_check",
			Name:     "Response Deadline Check",
			Schedule: cfg.Scheduler.ResponseDeadlineSchedule,
			Handler:  handlers.ResponseDeadline,
			Enabled:  true,
		},
		{
			ID:       "retention_cleanup",
			Name:     "Retention Cleanup",
			Schedule: cfg.Scheduler.RetentionSchedule,
			Handler:  handlers.RetentionCleanup,
			Enabled:  true,
		},
		{
			ID:       "metrics_collection",
			Name:     "Metrics Collection",
			Schedule: cfg.Scheduler.MetricsSchedule,
			Handler:  handlers.Metrics,
			Enabled:  true,
		},
	}

	for _, task := range defaults {
		if task.Handler == nil {
			continue
		}
		if err := s.AddTask(task); err != nil {
			return nil, fmt.Errorf("failed to register task %s: %w", task.ID, err)
		}
	}

	return s, nil
}

// Start starts the cron scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", "scheduled_tasks", len(s.tasks))
}

// Stop stops the scheduler and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// AddTask registers and schedules a task
func (s *Scheduler) AddTask(task *ScheduledTask) error {
	s.tasksMutex.Lock()
	defer s.tasksMutex.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}
	s.tasks[task.ID] = task

	if task.Enabled {
		return s.scheduleTask(task)
	}
	return nil
}

// GetTasks returns a snapshot of all registered tasks. Copies, not the live
// records: run stats are mutated from the cron goroutine under the mutex.
func (s *Scheduler) GetTasks() []ScheduledTask {
	s.tasksMutex.RLock()
	defer s.tasksMutex.RUnlock()

	tasks := make([]ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	return tasks
}

func (s *Scheduler) scheduleTask(task *ScheduledTask) error {
	entryID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(task)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule task %s: %w", task.ID, err)
	}

	task.cronEntryID = entryID
	for _, entry := range s.cron.Entries() {
		if entry.ID == entryID {
			task.NextRun = entry.Next
			break
		}
	}

	s.logger.Debug("Task scheduled",
		"task_id", task.ID,
		"schedule", task.Schedule,
		"next_run", task.NextRun)
	return nil
}

func (s *Scheduler) executeTask(task *ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	startTime := time.Now()
	s.tasksMutex.Lock()
	task.LastRun = startTime
	task.RunCount++
	s.tasksMutex.Unlock()

	err := task.Handler.Execute(ctx)

	var nextRun time.Time
	for _, entry := range s.cron.Entries() {
		if entry.ID == task.cronEntryID {
			nextRun = entry.Next
			break
		}
	}

	s.tasksMutex.Lock()
	if err != nil {
		task.ErrorCount++
	}
	task.NextRun = nextRun
	s.tasksMutex.Unlock()

	if err != nil {
		s.logger.Error("Scheduled task failed",
			"task_id", task.ID,
			"task_name", task.Name,
			"error", err,
			"execution_time", time.Since(startTime))
	} else {
		s.logger.Debug("Scheduled task completed",
			"task_id", task.ID,
			"execution_time", time.Since(startTime))
	}
}
