package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
)

// WebhookGateway posts notifications to regulator portals and internal
// incident tooling over HTTPS
type WebhookGateway struct {
	config config.WebhookConfig
	logger *slog.Logger
	client *resty.Client
}

// NewWebhookGateway creates a new webhook gateway
func NewWebhookGateway(cfg config.WebhookConfig, logger *slog.Logger) *WebhookGateway {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(0) // retries are the dispatcher's job

	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &WebhookGateway{config: cfg, logger: logger, client: client}
}

// Method implements Gateway
func (g *WebhookGateway) Method() string {
	return database.MethodWebhook
}

// Deliver implements Gateway
func (g *WebhookGateway) Deliver(ctx context.Context, msg *Message) *Result {
	url := msg.Recipient
	if url == "" {
		url = g.config.DefaultURL
	}
	if url == "" {
		return failure(fmt.Errorf("no webhook URL for notification %s", msg.NotificationID), false)
	}

	payload := map[string]interface{}{
		"notification_id": msg.NotificationID,
		"subject":         msg.Subject,
		"body":            msg.Body,
		"priority":        msg.Priority,
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(url)
	if err != nil {
		return failure(fmt.Errorf("webhook post failed: %w", err), true)
	}

	if resp.IsError() {
		transient := resp.StatusCode() >= 500 || resp.StatusCode() == 429
		return failure(fmt.Errorf("webhook returned status %d", resp.StatusCode()), transient)
	}

	g.logger.Debug("Webhook delivered",
		"notification_id", msg.NotificationID,
		"status", resp.StatusCode())

	return success("", nil)
}
