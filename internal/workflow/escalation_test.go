package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor(t *testing.T) {
	cases := []struct {
		name      string
		remaining time.Duration
		level     int
	}{
		{"Plenty Of Time", 72 * time.Hour, 0},
		{"Just Above First Rung", 49 * time.Hour, 0},
		{"First Rung", 48 * time.Hour, 1},
		{"Between One And Two", 30 * time.Hour, 1},
		{"Second Rung", 24 * time.Hour, 2},
		{"Third Rung", 12 * time.Hour, 3},
		{"Fourth Rung", 6 * time.Hour, 4},
		{"Fifth Rung", 3 * time.Hour, 5},
		{"Final Rung", time.Hour, 6},
		{"Past Deadline", -2 * time.Hour, 6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.level, LevelFor(tc.remaining))
		})
	}
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionNotifyDPOLegal, ActionFor(1))
	assert.Equal(t, ActionNotifyExecutives, ActionFor(2))
	assert.Equal(t, ActionPrepareEmergency, ActionFor(3))
	assert.Equal(t, ActionEmergencyResponse, ActionFor(4))
	assert.Equal(t, ActionFinalWarning, ActionFor(5))
	assert.Equal(t, ActionMarkOverdue, ActionFor(6))
	assert.Equal(t, "", ActionFor(7))
}

func TestNextThreshold(t *testing.T) {
	t.Run("Above The Ladder", func(t *testing.T) {
		next, ok := NextThreshold(72 * time.Hour)
		assert.True(t, ok)
		assert.Equal(t, 48*time.Hour, next)
	})

	t.Run("Mid Ladder", func(t *testing.T) {
		next, ok := NextThreshold(10 * time.Hour)
		assert.True(t, ok)
		assert.Equal(t, 6*time.Hour, next)
	})

	t.Run("Ladder Exhausted", func(t *testing.T) {
		_, ok := NextThreshold(30 * time.Minute)
		assert.False(t, ok)
	})
}
