package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
)

// Letter is a formal notice queued for postal dispatch
type Letter struct {
	TrackingID     string
	NotificationID string
	Recipient      string
	Subject        string
	Body           string
	SenderName     string
	SenderAddress  string
}

// MailGateway queues formal postal notices for a fulfillment provider.
// Queuing counts as "sent"; carrier turnaround is not this engine's concern.
// HIPAA individual notice goes through here by default.
type MailGateway struct {
	config config.MailConfig
	logger *slog.Logger

	mu    sync.Mutex
	queue []*Letter
}

// NewMailGateway creates a new postal mail gateway
func NewMailGateway(cfg config.MailConfig, logger *slog.Logger) *MailGateway {
	return &MailGateway{config: cfg, logger: logger}
}

// Method implements Gateway
func (g *MailGateway) Method() string {
	return database.MethodMail
}

// Deliver implements Gateway
func (g *MailGateway) Deliver(ctx context.Context, msg *Message) *Result {
	letter := &Letter{
		TrackingID:     uuid.NewString(),
		NotificationID: msg.NotificationID,
		Recipient:      msg.Recipient,
		Subject:        msg.Subject,
		Body:           msg.Body,
		SenderName:     g.config.SenderName,
		SenderAddress:  g.config.SenderAddress,
	}

	g.mu.Lock()
	g.queue = append(g.queue, letter)
	g.mu.Unlock()

	g.logger.Info("Formal notice queued for postal dispatch",
		"notification_id", msg.NotificationID,
		"tracking_id", letter.TrackingID)

	return success(letter.TrackingID, nil)
}

// DrainQueue hands the queued letters to the fulfillment export and clears
// the queue
func (g *MailGateway) DrainQueue() []*Letter {
	g.mu.Lock()
	defer g.mu.Unlock()
	drained := g.queue
	g.queue = nil
	return drained
}
