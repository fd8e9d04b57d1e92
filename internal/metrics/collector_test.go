package metrics

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breach-shield/notification-engine/internal/database"
)

type fakeWorkflowStats struct {
	stats []*database.WorkflowStats
}

func (f *fakeWorkflowStats) GetStats(_ context.Context) ([]*database.WorkflowStats, error) {
	return f.stats, nil
}

type fakeNotificationStats struct {
	stats *database.NotificationStats
}

func (f *fakeNotificationStats) GetStats(_ context.Context) (*database.NotificationStats, error) {
	return f.stats, nil
}

// One collector for the whole test: promauto registers on the default
// registry, which rejects duplicate metric names.
func TestCollector(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	workflowStats := &fakeWorkflowStats{stats: []*database.WorkflowStats{
		{Regulation: database.RegulationGDPR, State: "assessment", Count: 3},
		{Regulation: database.RegulationHIPAA, State: "breach_analysis", Count: 1},
	}}
	notificationStats := &fakeNotificationStats{stats: &database.NotificationStats{
		Total: 10, Pending: 4, Sent: 3, Delivered: 2, Failed: 1,
	}}
	c := NewCollector(logger, workflowStats, notificationStats)

	t.Run("Workflow Counters", func(t *testing.T) {
		c.RecordWorkflowCreated(database.RegulationGDPR)
		c.RecordWorkflowCreated(database.RegulationGDPR)
		c.RecordWorkflowCreated(database.RegulationHIPAA)

		assert.Equal(t, 2.0, testutil.ToFloat64(c.WorkflowsCreated.WithLabelValues(database.RegulationGDPR)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.WorkflowsCreated.WithLabelValues(database.RegulationHIPAA)))

		c.RecordEscalation(database.RegulationGDPR, 1)
		c.RecordEscalation(database.RegulationGDPR, 1)
		c.RecordEscalation(database.RegulationGDPR, 2)
		assert.Equal(t, 2.0, testutil.ToFloat64(c.WorkflowsEscalated.WithLabelValues(database.RegulationGDPR, "1")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.WorkflowsEscalated.WithLabelValues(database.RegulationGDPR, "2")))

		c.RecordOverdue(database.RegulationSOC2)
		assert.Equal(t, 1.0, testutil.ToFloat64(c.WorkflowsOverdue.WithLabelValues(database.RegulationSOC2)))
	})

	t.Run("Delivery Counters", func(t *testing.T) {
		c.RecordSent(database.MethodEmail)
		c.RecordSent(database.MethodEmail)
		c.RecordFailed(database.MethodSMS)
		c.RecordRetry()

		assert.Equal(t, 2.0, testutil.ToFloat64(c.NotificationsSent.WithLabelValues(database.MethodEmail)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.NotificationsFailed.WithLabelValues(database.MethodSMS)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.NotificationRetries))
	})

	t.Run("Delivery Histogram", func(t *testing.T) {
		c.ObserveDelivery(database.MethodEmail, 120*time.Millisecond)
		c.ObserveDelivery(database.MethodWebhook, 40*time.Millisecond)

		assert.Equal(t, 2, testutil.CollectAndCount(c.DeliveryDuration))
	})

	t.Run("Collect Refreshes Gauges", func(t *testing.T) {
		require.NoError(t, c.Collect(context.Background()))

		assert.Equal(t, 3.0, testutil.ToFloat64(c.WorkflowsByState.WithLabelValues(database.RegulationGDPR, "assessment")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.WorkflowsByState.WithLabelValues(database.RegulationHIPAA, "breach_analysis")))
		assert.Equal(t, 4.0, testutil.ToFloat64(c.NotificationsByStatus.WithLabelValues(database.NotificationPending)))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.NotificationsByStatus.WithLabelValues(database.NotificationFailed)))
	})
}
