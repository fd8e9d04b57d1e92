package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/breach-shield/notification-engine/internal/database"
	"github.com/breach-shield/notification-engine/internal/stakeholder"
)

// ProcessResponseDeadlines finds sent notifications whose response deadline
// lapsed without acknowledgment and fires the owning group's no_response
// escalation trigger. Cooldowns and occurrence budgets are enforced by the
// stakeholder directory.
func (d *Dispatcher) ProcessResponseDeadlines(ctx context.Context) error {
	unanswered, err := d.store.GetUnanswered(ctx, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to select unanswered notifications: %w", err)
	}

	for _, n := range unanswered {
		if n.RecipientGroup == "" {
			continue
		}
		if err := d.escalateUnanswered(ctx, n); err != nil {
			d.logger.Debug("No-response escalation not executed",
				"notification_id", n.ID,
				"group", n.RecipientGroup,
				"reason", err)
		}
	}

	return nil
}

func (d *Dispatcher) escalateUnanswered(ctx context.Context, n *database.ScheduledNotification) error {
	group, err := d.directory.GroupByType(ctx, n.RecipientGroup)
	if err != nil {
		return err
	}

	trigger, err := d.directory.FireTrigger(ctx, group.ID, stakeholder.ConditionNoResponse, d.now())
	if err != nil {
		if errors.Is(err, stakeholder.ErrTriggerCoolingDown) || errors.Is(err, stakeholder.ErrTriggerExhausted) {
			return err
		}
		return fmt.Errorf("failed to fire no_response trigger: %w", err)
	}

	d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "no_response_escalation", map[string]interface{}{
		"notification_id": n.ID,
		"group_id":        group.ID,
		"action":          trigger.Action,
		"occurrence":      trigger.OccurrenceCount,
	})

	switch trigger.Action {
	case stakeholder.ActionNotifyBackup:
		return d.notifyBackupContacts(ctx, n, group)
	case stakeholder.ActionBumpPriority:
		n.Priority = stakeholder.BumpPriority(n.Priority)
		return d.pushResponseDeadline(ctx, n, trigger.CooldownMinutes)
	case stakeholder.ActionSwitchChannel:
		return d.switchChannel(ctx, n, group)
	case stakeholder.ActionManualIntervention:
		// Recorded as a task for an operator; nothing is auto-resolved
		d.auditor.Record(n.IncidentID, &n.WorkflowID, systemActor, "manual_intervention_required", map[string]interface{}{
			"notification_id": n.ID,
			"group_id":        group.ID,
		})
		return d.pushResponseDeadline(ctx, n, trigger.CooldownMinutes)
	default:
		return fmt.Errorf("unknown escalation action %s", trigger.Action)
	}
}

// notifyBackupContacts schedules a copy of the notification to each of the
// group's designated backup contacts
func (d *Dispatcher) notifyBackupContacts(ctx context.Context, n *database.ScheduledNotification, group *database.StakeholderGroup) error {
	backups, err := d.directory.BackupContacts(ctx, group.ID)
	if err != nil {
		return err
	}

	for _, contact := range backups {
		clone := cloneForRecipient(n, contact, n.DeliveryMethod)
		if clone == nil {
			continue
		}
		if err := d.Schedule(ctx, clone); err != nil {
			d.logger.Error("Failed to schedule backup notification",
				"source_notification_id", n.ID,
				"contact_id", contact.ID,
				"error", err)
		}
	}

	return d.pushResponseDeadline(ctx, n, 0)
}

// switchChannel reissues the notification on a delivery method not yet tried
func (d *Dispatcher) switchChannel(ctx context.Context, n *database.ScheduledNotification, group *database.StakeholderGroup) error {
	next := stakeholder.NextChannel(group.DefaultDeliveryMethods, []string{n.DeliveryMethod})
	if next == "" {
		return fmt.Errorf("no untried delivery channel for notification %s", n.ID)
	}

	var contact *database.StakeholderContact
	if n.ContactID != nil {
		if c, err := d.contacts.GetContact(ctx, *n.ContactID); err == nil {
			contact = c
		}
	}

	clone := cloneForRecipient(n, contact, next)
	if clone == nil {
		return fmt.Errorf("contact has no address for channel %s", next)
	}
	if err := d.Schedule(ctx, clone); err != nil {
		return err
	}

	return d.pushResponseDeadline(ctx, n, 0)
}

// pushResponseDeadline moves the deadline forward so the same trigger is
// not reconsidered before its cooldown has elapsed anyway
func (d *Dispatcher) pushResponseDeadline(ctx context.Context, n *database.ScheduledNotification, cooldownMinutes int) error {
	delay := time.Duration(cooldownMinutes) * time.Minute
	if delay <= 0 {
		delay = time.Hour
	}
	next := d.now().Add(delay)
	n.ResponseDeadline = &next
	return d.store.Update(ctx, n)
}

// cloneForRecipient builds a fresh pending notification for another
// recipient or channel. Returns nil when the target has no usable address.
func cloneForRecipient(n *database.ScheduledNotification, contact *database.StakeholderContact, method string) *database.ScheduledNotification {
	recipient := n.Recipient
	var contactID *string
	if contact != nil {
		contactID = &contact.ID
		switch method {
		case database.MethodEmail:
			if contact.Email == nil {
				return nil
			}
			recipient = *contact.Email
		case database.MethodSMS, database.MethodPhone:
			if contact.Phone == nil {
				return nil
			}
			recipient = *contact.Phone
		case database.MethodMail:
			if contact.PostalAddress == nil {
				return nil
			}
			recipient = *contact.PostalAddress
		case database.MethodWebhook:
			if contact.WebhookURL == nil {
				return nil
			}
			recipient = *contact.WebhookURL
		}
	}

	return &database.ScheduledNotification{
		ID:             uuid.NewString(),
		WorkflowID:     n.WorkflowID,
		IncidentID:     n.IncidentID,
		Type:           n.Type,
		RecipientType:  n.RecipientType,
		RecipientGroup: n.RecipientGroup,
		ContactID:      contactID,
		Recipient:      recipient,
		TemplateCode:   n.TemplateCode,
		Language:       n.Language,
		Status:         database.NotificationPending,
		DeliveryMethod: method,
		Priority:       n.Priority,
		ScheduledAt:    time.Now(),
		MaxRetries:     n.MaxRetries,
		Context:        n.Context,
	}
}
