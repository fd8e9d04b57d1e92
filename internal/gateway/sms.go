package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	v2010 "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/breach-shield/notification-engine/internal/config"
	"github.com/breach-shield/notification-engine/internal/database"
)

// maxSMSLength truncates long bodies; the full text always goes out on a
// formal channel in parallel
const maxSMSLength = 1400

// callWithContext bounds a blocking Twilio call with ctx. The client has no
// request-with-context form; a call still in flight when ctx expires is
// abandoned and the next sweep retries.
func callWithContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type outcome struct {
		resp T
		err  error
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	ch := make(chan outcome, 1)
	go func() {
		resp, err := call()
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case out := <-ch:
		return out.resp, out.err
	}
}

// SMSGateway delivers notifications by SMS via Twilio
type SMSGateway struct {
	config config.SMSConfig
	logger *slog.Logger
	client *twilio.RestClient
}

// NewSMSGateway creates a new SMS gateway
func NewSMSGateway(cfg config.SMSConfig, logger *slog.Logger) *SMSGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioSID,
		Password: cfg.TwilioToken,
	})
	return &SMSGateway{config: cfg, logger: logger, client: client}
}

// Method implements Gateway
func (g *SMSGateway) Method() string {
	return database.MethodSMS
}

// Deliver implements Gateway
func (g *SMSGateway) Deliver(ctx context.Context, msg *Message) *Result {
	body := fmt.Sprintf("%s: %s", msg.Subject, msg.Body)
	if len(body) > maxSMSLength {
		body = body[:maxSMSLength]
	}

	params := &v2010.CreateMessageParams{}
	params.SetTo(msg.Recipient)
	params.SetFrom(g.config.FromNumber)
	params.SetBody(body)

	resp, err := callWithContext(ctx, func() (*v2010.ApiV2010Message, error) {
		return g.client.Api.CreateMessage(params)
	})
	if err != nil {
		return failure(fmt.Errorf("twilio send failed: %w", err), true)
	}

	trackingID := ""
	if resp.Sid != nil {
		trackingID = *resp.Sid
	}

	g.logger.Debug("SMS sent via Twilio",
		"notification_id", msg.NotificationID,
		"recipient", msg.Recipient)

	return success(trackingID, nil)
}

// PhoneGateway places voice notifications via Twilio. The call reads the
// notification subject; the full text always follows on a written channel.
type PhoneGateway struct {
	config config.SMSConfig
	logger *slog.Logger
	client *twilio.RestClient
}

// NewPhoneGateway creates a new phone gateway
func NewPhoneGateway(cfg config.SMSConfig, logger *slog.Logger) *PhoneGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioSID,
		Password: cfg.TwilioToken,
	})
	return &PhoneGateway{config: cfg, logger: logger, client: client}
}

// Method implements Gateway
func (g *PhoneGateway) Method() string {
	return database.MethodPhone
}

// Deliver implements Gateway
func (g *PhoneGateway) Deliver(ctx context.Context, msg *Message) *Result {
	twiml := fmt.Sprintf("<Response><Say>%s</Say></Response>", msg.Subject)

	params := &v2010.CreateCallParams{}
	params.SetTo(msg.Recipient)
	params.SetFrom(g.config.FromNumber)
	params.SetTwiml(twiml)

	resp, err := callWithContext(ctx, func() (*v2010.ApiV2010Call, error) {
		return g.client.Api.CreateCall(params)
	})
	if err != nil {
		return failure(fmt.Errorf("twilio call failed: %w", err), true)
	}

	trackingID := ""
	if resp.Sid != nil {
		trackingID = *resp.Sid
	}

	g.logger.Debug("Voice call placed via Twilio",
		"notification_id", msg.NotificationID,
		"recipient", msg.Recipient)

	return success(trackingID, nil)
}
