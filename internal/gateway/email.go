package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
)

// EmailGateway delivers notifications by email via SendGrid or SMTP
type EmailGateway struct {
	config config.EmailConfig
	logger *slog.Logger
}

// NewEmailGateway creates a new email gateway
func NewEmailGateway(cfg config.EmailConfig, logger *slog.Logger) *EmailGateway {
	return &EmailGateway{config: cfg, logger: logger}
}

// Method implements Gateway
func (g *EmailGateway) Method() string {
	return database.MethodEmail
}

// Deliver implements Gateway
func (g *EmailGateway) Deliver(ctx context.Context, msg *Message) *Result {
	switch g.config.Provider {
	case "sendgrid":
		return g.deliverViaSendGrid(ctx, msg)
	case "smtp":
		return g.deliverViaSMTP(msg)
	default:
		return failure(fmt.Errorf("unsupported email provider: %s", g.config.Provider), false)
	}
}

func (g *EmailGateway) deliverViaSendGrid(ctx context.Context, msg *Message) *Result {
	subject := msg.Subject
	if msg.Priority == database.PriorityUrgent {
		subject = "[URGENT] " + subject
	}

	from := mail.NewEmail(g.config.FromName, g.config.FromAddress)
	to := mail.NewEmail("", msg.Recipient)
	email := mail.NewSingleEmail(from, subject, to, msg.Body, "")

	client := sendgrid.NewSendClient(g.config.SendGridAPIKey)
	response, err := client.SendWithContext(ctx, email)
	if err != nil {
		return failure(fmt.Errorf("sendgrid send failed: %w", err), true)
	}
	if response.StatusCode >= 400 {
		// 4xx means the request itself is bad; only 5xx is worth retrying
		transient := response.StatusCode >= 500
		return failure(fmt.Errorf("sendgrid returned status %d", response.StatusCode), transient)
	}

	trackingID := ""
	if ids, ok := response.Headers["X-Message-Id"]; ok && len(ids) > 0 {
		trackingID = ids[0]
	}

	g.logger.Debug("Email sent via SendGrid",
		"notification_id", msg.NotificationID,
		"recipient", msg.Recipient)

	return success(trackingID, nil)
}

func (g *EmailGateway) deliverViaSMTP(msg *Message) *Result {
	subject := msg.Subject
	if msg.Priority == database.PriorityUrgent {
		subject = "[URGENT] " + subject
	}

	body := fmt.Sprintf("To: %s\r\nFrom: %s <%s>\r\nSubject: %s\r\n\r\n%s",
		msg.Recipient, g.config.FromName, g.config.FromAddress, subject, msg.Body)

	auth := smtp.PlainAuth("", g.config.SMTPUsername, g.config.SMTPPassword, g.config.SMTPHost)
	addr := fmt.Sprintf("%s:%d", g.config.SMTPHost, g.config.SMTPPort)

	if err := smtp.SendMail(addr, auth, g.config.FromAddress, []string{msg.Recipient}, []byte(body)); err != nil {
		return failure(fmt.Errorf("smtp send failed: %w", err), true)
	}

	now := time.Now()
	g.logger.Debug("Email sent via SMTP",
		"notification_id", msg.NotificationID,
		"recipient", msg.Recipient)

	return success("", &now)
}
