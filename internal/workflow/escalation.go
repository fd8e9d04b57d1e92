package workflow

import (
	"time"
)

// Escalation ladder actions, one per level
const (
	ActionNotifyDPOLegal    = "notify_dpo_legal"
	ActionNotifyExecutives  = "notify_executives"
	ActionPrepareEmergency  = "prepare_emergency_notification"
	ActionEmergencyResponse = "activate_emergency_response"
	ActionFinalWarning      = "final_warning"
	ActionMarkOverdue       = "mark_overdue"
)

// rung binds a time-remaining threshold to an escalation level and action
type rung struct {
	Level     int
	Threshold time.Duration
	Action    string
}

// ladder is shared by all regulation machines. Thresholds are fixed hour
// offsets regardless of workflow priority.
var ladder = []rung{
	{1, 48 * time.Hour, ActionNotifyDPOLegal},
	{2, 24 * time.Hour, ActionNotifyExecutives},
	{3, 12 * time.Hour, ActionPrepareEmergency},
	{4, 6 * time.Hour, ActionEmergencyResponse},
	{5, 3 * time.Hour, ActionFinalWarning},
	{6, 1 * time.Hour, ActionMarkOverdue},
}

// LevelFor maps time remaining to the highest ladder level already crossed.
// Zero means no threshold has been reached. A lapsed deadline is the top
// level.
func LevelFor(remaining time.Duration) int {
	level := 0
	for _, r := range ladder {
		if remaining <= r.Threshold {
			level = r.Level
		}
	}
	return level
}

// ActionFor returns the action bound to a ladder level
func ActionFor(level int) string {
	for _, r := range ladder {
		if r.Level == level {
			return r.Action
		}
	}
	return ""
}

// NextThreshold returns the time-remaining value of the next rung below the
// current remaining time, for scheduling a point-in-time escalation check.
// ok is false once every rung has been crossed.
func NextThreshold(remaining time.Duration) (time.Duration, bool) {
	for _, r := range ladder {
		if remaining > r.Threshold {
			return r.Threshold, true
		}
	}
	return 0, false
}

// Thresholds returns every ladder threshold, largest first
func Thresholds() []time.Duration {
	out := make([]time.Duration, len(ladder))
	for i, r := range ladder {
		out[i] = r.Threshold
	}
	return out
}
