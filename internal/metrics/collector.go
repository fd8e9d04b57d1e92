// Package metrics exposes Prometheus metrics for workflows, notifications,
// and escalations. Counters are incremented at the call sites; gauges are
// refreshed from store aggregates on a schedule.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/breach-shield/notification-engine/internal/database"
)

// WorkflowStatsSource supplies workflow counts by regulation and state
type WorkflowStatsSource interface {
	GetStats(ctx context.Context) ([]*database.WorkflowStats, error)
}

// NotificationStatsSource supplies notification counts by status
type NotificationStatsSource interface {
	GetStats(ctx context.Context) (*database.NotificationStats, error)
}

// Collector manages Prometheus metrics for the notification engine
type Collector struct {
	logger            *slog.Logger
	workflowStats     WorkflowStatsSource
	notificationStats NotificationStatsSource

	WorkflowsCreated      *prometheus.CounterVec
	WorkflowsEscalated    *prometheus.CounterVec
	WorkflowsOverdue      *prometheus.CounterVec
	WorkflowsByState      *prometheus.GaugeVec
	NotificationsSent     *prometheus.CounterVec
	NotificationsFailed   *prometheus.CounterVec
	NotificationRetries   prometheus.Counter
	NotificationsByStatus *prometheus.GaugeVec
	DeliveryDuration      *prometheus.HistogramVec
}

// NewCollector creates and registers the engine's metrics
func NewCollector(logger *slog.Logger, workflowStats WorkflowStatsSource, notificationStats NotificationStatsSource) *Collector {
	return &Collector{
		logger:            logger,
		workflowStats:     workflowStats,
		notificationStats: notificationStats,

		WorkflowsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_engine_workflows_created_total",
			Help: "Workflows created, by regulation",
		}, []string{"regulation"}),

		WorkflowsEscalated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_engine_workflows_escalated_total",
			Help: "Escalation ladder levels fired, by regulation and level",
		}, []string{"regulation", "level"}),

		WorkflowsOverdue: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_engine_workflows_overdue_total",
			Help: "Workflows that missed their statutory deadline, by regulation",
		}, []string{"regulation"}),

		WorkflowsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breach_engine_workflows",
			Help: "Current workflow counts, by regulation and state",
		}, []string{"regulation", "state"}),

		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_engine_notifications_sent_total",
			Help: "Notifications sent, by delivery method",
		}, []string{"method"}),

		NotificationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "breach_engine_notifications_failed_total",
			Help: "Notifications permanently failed, by delivery method",
		}, []string{"method"}),

		NotificationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "breach_engine_notification_retries_total",
			Help: "Delivery retries scheduled",
		}),

		NotificationsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breach_engine_notifications",
			Help: "Current notification counts, by status",
		}, []string{"status"}),

		DeliveryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "breach_engine_delivery_duration_seconds",
			Help:    "Delivery attempt latency, by method",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordWorkflowCreated counts a new workflow under its regulation
func (c *Collector) RecordWorkflowCreated(regulation string) {
	c.WorkflowsCreated.WithLabelValues(regulation).Inc()
}

// RecordEscalation counts one escalation ladder level firing
func (c *Collector) RecordEscalation(regulation string, level int) {
	c.WorkflowsEscalated.WithLabelValues(regulation, fmt.Sprintf("%d", level)).Inc()
}

// RecordOverdue counts a workflow crossing its statutory deadline
func (c *Collector) RecordOverdue(regulation string) {
	c.WorkflowsOverdue.WithLabelValues(regulation).Inc()
}

// RecordSent counts a successful delivery
func (c *Collector) RecordSent(method string) {
	c.NotificationsSent.WithLabelValues(method).Inc()
}

// RecordFailed counts a permanent delivery failure
func (c *Collector) RecordFailed(method string) {
	c.NotificationsFailed.WithLabelValues(method).Inc()
}

// RecordRetry counts a delivery retry being scheduled
func (c *Collector) RecordRetry() {
	c.NotificationRetries.Inc()
}

// ObserveDelivery records the latency of one delivery attempt
func (c *Collector) ObserveDelivery(method string, elapsed time.Duration) {
	c.DeliveryDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Collect refreshes the store-derived gauges. Wired as a scheduled task.
func (c *Collector) Collect(ctx context.Context) error {
	workflowStats, err := c.workflowStats.GetStats(ctx)
	if err != nil {
		return err
	}
	c.WorkflowsByState.Reset()
	for _, s := range workflowStats {
		c.WorkflowsByState.WithLabelValues(s.Regulation, s.State).Set(float64(s.Count))
	}

	notifStats, err := c.notificationStats.GetStats(ctx)
	if err != nil {
		return err
	}
	c.NotificationsByStatus.WithLabelValues(database.NotificationPending).Set(float64(notifStats.Pending))
	c.NotificationsByStatus.WithLabelValues(database.NotificationSent).Set(float64(notifStats.Sent))
	c.NotificationsByStatus.WithLabelValues(database.NotificationDelivered).Set(float64(notifStats.Delivered))
	c.NotificationsByStatus.WithLabelValues(database.NotificationFailed).Set(float64(notifStats.Failed))

	return nil
}
