// Package stakeholder holds the directory of notification recipients:
// groups with escalation rules and contacts with delivery preferences.
package stakeholder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/breach-shield/notification-engine/internal/database"
)

// Escalation trigger conditions and actions
const (
	ConditionNoResponse = "no_response"

	ActionNotifyBackup       = "notify_backup"
	ActionBumpPriority       = "bump_priority"
	ActionSwitchChannel      = "switch_channel"
	ActionManualIntervention = "manual_intervention"
)

// ErrTriggerExhausted indicates a trigger has used its whole occurrence
// budget and needs an explicit reset before it can fire again
var ErrTriggerExhausted = errors.New("escalation trigger occurrence budget exhausted")

// ErrTriggerCoolingDown indicates the trigger fired within its cooldown window
var ErrTriggerCoolingDown = errors.New("escalation trigger in cooldown")

// Store supplies stakeholder group and contact records
type Store interface {
	GetGroup(ctx context.Context, id string) (*database.StakeholderGroup, error)
	GetGroupByType(ctx context.Context, groupType string) (*database.StakeholderGroup, error)
	GetContactsByGroup(ctx context.Context, groupID string) ([]*database.StakeholderContact, error)
	UpdateGroupTriggers(ctx context.Context, groupID string, triggers database.EscalationTriggers) error
}

// Directory is the stakeholder-directory-aware delivery router. Trigger
// counters are mutated under a per-group lock so concurrent incidents
// cannot double-spend a trigger's occurrence budget.
type Directory struct {
	store  Store
	logger *slog.Logger

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// NewDirectory creates a new stakeholder directory
func NewDirectory(store Store, logger *slog.Logger) *Directory {
	return &Directory{
		store:      store,
		logger:     logger,
		groupLocks: make(map[string]*sync.Mutex),
	}
}

func (d *Directory) lockGroup(groupID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.groupLocks[groupID]
	if !ok {
		lock = &sync.Mutex{}
		d.groupLocks[groupID] = lock
	}
	return lock
}

// GroupByType resolves a stakeholder group by its type
func (d *Directory) GroupByType(ctx context.Context, groupType string) (*database.StakeholderGroup, error) {
	return d.store.GetGroupByType(ctx, groupType)
}

// PrimaryContacts returns a group's non-backup contacts
func (d *Directory) PrimaryContacts(ctx context.Context, groupID string) ([]*database.StakeholderContact, error) {
	contacts, err := d.store.GetContactsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	primary := make([]*database.StakeholderContact, 0, len(contacts))
	for _, c := range contacts {
		if !c.IsBackup {
			primary = append(primary, c)
		}
	}
	return primary, nil
}

// BackupContacts returns a group's designated backup contacts
func (d *Directory) BackupContacts(ctx context.Context, groupID string) ([]*database.StakeholderContact, error) {
	contacts, err := d.store.GetContactsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	backups := make([]*database.StakeholderContact, 0, len(contacts))
	for _, c := range contacts {
		if c.IsBackup {
			backups = append(backups, c)
		}
	}
	return backups, nil
}

// DeliveryMethods returns the methods to use for a contact: the contact's
// per-channel overrides when set, the group defaults otherwise
func DeliveryMethods(group *database.StakeholderGroup, contact *database.StakeholderContact) []string {
	if len(contact.Preferences.MethodOverrides) > 0 {
		return contact.Preferences.MethodOverrides
	}
	return []string(group.DefaultDeliveryMethods)
}

// AllowDelivery is the preference gate applied before dispatching to a
// contact. A suppressed send is "not yet attempted", never a failure.
func AllowDelivery(contact *database.StakeholderContact, priority string, now time.Time) (bool, string) {
	loc, err := time.LoadLocation(contact.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)

	urgent := priority == database.PriorityUrgent
	elevated := urgent || priority == database.PriorityHigh

	if inDoNotDisturbWindow(contact.Preferences, local) {
		if !(contact.Preferences.EmergencyOverride && elevated) {
			return false, "do_not_disturb"
		}
	}

	if weekend := local.Weekday() == time.Saturday || local.Weekday() == time.Sunday; weekend {
		if !urgent && !contact.Preferences.WeekendDelivery {
			return false, "weekend"
		}
	}

	return true, ""
}

func inDoNotDisturbWindow(prefs database.ContactPreferences, local time.Time) bool {
	if prefs.DoNotDisturbStart == "" || prefs.DoNotDisturbEnd == "" {
		return false
	}
	start, err := time.Parse("15:04", prefs.DoNotDisturbStart)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", prefs.DoNotDisturbEnd)
	if err != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window crosses midnight, e.g. 22:00-07:00
	return minutes >= startMin || minutes < endMin
}

// FireTrigger finds the group's trigger for the given condition, checks its
// cooldown and occurrence budget, and records the firing. The configured
// action is returned for the caller to execute. The whole read-modify-write
// runs under the group's lock.
func (d *Directory) FireTrigger(ctx context.Context, groupID, condition string, now time.Time) (*database.EscalationTrigger, error) {
	lock := d.lockGroup(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	for i := range group.EscalationTriggers {
		trigger := &group.EscalationTriggers[i]
		if trigger.Condition != condition {
			continue
		}

		if trigger.OccurrenceCount >= trigger.MaxOccurrences {
			return nil, fmt.Errorf("group %s condition %s: %w", groupID, condition, ErrTriggerExhausted)
		}
		if trigger.LastFiredAt != nil {
			cooldown := time.Duration(trigger.CooldownMinutes) * time.Minute
			if now.Sub(*trigger.LastFiredAt) < cooldown {
				return nil, fmt.Errorf("group %s condition %s: %w", groupID, condition, ErrTriggerCoolingDown)
			}
		}

		trigger.OccurrenceCount++
		firedAt := now
		trigger.LastFiredAt = &firedAt

		if err := d.store.UpdateGroupTriggers(ctx, groupID, group.EscalationTriggers); err != nil {
			return nil, fmt.Errorf("failed to persist trigger state: %w", err)
		}

		d.logger.Info("Escalation trigger fired",
			"group_id", groupID,
			"condition", condition,
			"action", trigger.Action,
			"occurrence", trigger.OccurrenceCount,
			"max_occurrences", trigger.MaxOccurrences)

		fired := *trigger
		return &fired, nil
	}

	return nil, fmt.Errorf("group %s has no trigger for condition %s: %w", groupID, condition, database.ErrNotFound)
}

// ResetTrigger zeroes a trigger's occurrence counter. Administrative
// operation; audited by the caller.
func (d *Directory) ResetTrigger(ctx context.Context, groupID, condition string) error {
	lock := d.lockGroup(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, err := d.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}

	for i := range group.EscalationTriggers {
		trigger := &group.EscalationTriggers[i]
		if trigger.Condition != condition {
			continue
		}
		trigger.OccurrenceCount = 0
		trigger.LastFiredAt = nil
		if err := d.store.UpdateGroupTriggers(ctx, groupID, group.EscalationTriggers); err != nil {
			return fmt.Errorf("failed to persist trigger reset: %w", err)
		}
		d.logger.Info("Escalation trigger reset", "group_id", groupID, "condition", condition)
		return nil
	}

	return fmt.Errorf("group %s has no trigger for condition %s: %w", groupID, condition, database.ErrNotFound)
}

// BumpPriority raises a notification priority one level
func BumpPriority(priority string) string {
	switch priority {
	case database.PriorityLow:
		return database.PriorityMedium
	case database.PriorityMedium:
		return database.PriorityHigh
	case database.PriorityHigh, database.PriorityUrgent:
		return database.PriorityUrgent
	default:
		return priority
	}
}

// NextChannel picks a delivery method from the candidates that has not been
// tried yet; returns empty when all candidates are exhausted
func NextChannel(candidates []string, tried []string) string {
	used := make(map[string]bool, len(tried))
	for _, t := range tried {
		used[t] = true
	}
	for _, c := range candidates {
		if !used[c] {
			return c
		}
	}
	return ""
}
