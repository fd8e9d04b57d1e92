package gateway

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breach-shield/notification-engine/internal/config"
)

func twilioTestConfig() config.SMSConfig {
	return config.SMSConfig{
		TwilioSID:   "AC00000000000000000000000000000000",
		TwilioToken: "token",
		FromNumber:  "+15550100",
	}
}

func smsMessage() *Message {
	return &Message{
		NotificationID: "n-001",
		Subject:        "Breach notice",
		Body:           "Incident detected.",
		Recipient:      "+15550101",
	}
}

func TestSMSGateway_HonorsContext(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	t.Run("Canceled Context Aborts SMS", func(t *testing.T) {
		g := NewSMSGateway(twilioTestConfig(), logger)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := g.Deliver(ctx, smsMessage())

		require.False(t, result.Success)
		assert.True(t, result.Transient, "An expired delivery window retries on the next sweep")
		assert.ErrorIs(t, result.Err, context.Canceled)
	})

	t.Run("Canceled Context Aborts Voice Call", func(t *testing.T) {
		g := NewPhoneGateway(twilioTestConfig(), logger)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result := g.Deliver(ctx, smsMessage())

		require.False(t, result.Success)
		assert.True(t, result.Transient)
		assert.ErrorIs(t, result.Err, context.Canceled)
	})
}

func TestCallWithContext(t *testing.T) {
	t.Run("Deadline Abandons A Stuck Call", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		block := make(chan struct{})
		defer close(block)

		_, err := callWithContext(ctx, func() (string, error) {
			<-block
			return "unreached", nil
		})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Completed Call Returns Its Result", func(t *testing.T) {
		got, err := callWithContext(context.Background(), func() (string, error) {
			return "sid-123", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "sid-123", got)
	})
}
