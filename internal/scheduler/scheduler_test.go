package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	err error
}

func (h *stubHandler) Execute(_ context.Context) error { return h.err }

func (h *stubHandler) GetName() string { return "Stub" }

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return &Scheduler{
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		tasks:  make(map[string]*ScheduledTask),
	}
}

func TestScheduler_RunStats(t *testing.T) {
	t.Run("Concurrent Runs And Reads Keep Accurate Counts", func(t *testing.T) {
		s := newTestScheduler(t)
		task := &ScheduledTask{ID: "sweep", Name: "Sweep", Handler: &stubHandler{}}
		require.NoError(t, s.AddTask(task))

		const runs = 20
		var wg sync.WaitGroup
		for i := 0; i < runs; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.executeTask(task)
			}()
		}
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, snap := range s.GetTasks() {
					_ = snap.RunCount
					_ = snap.LastRun
				}
			}()
		}
		wg.Wait()

		snapshot := s.GetTasks()
		require.Len(t, snapshot, 1)
		assert.Equal(t, int64(runs), snapshot[0].RunCount)
		assert.Zero(t, snapshot[0].ErrorCount)
		assert.False(t, snapshot[0].LastRun.IsZero())
	})

	t.Run("Handler Errors Are Counted", func(t *testing.T) {
		s := newTestScheduler(t)
		task := &ScheduledTask{ID: "sweep", Name: "Sweep", Handler: &stubHandler{err: errors.New("store unavailable")}}
		require.NoError(t, s.AddTask(task))

		s.executeTask(task)
		s.executeTask(task)

		snapshot := s.GetTasks()
		require.Len(t, snapshot, 1)
		assert.Equal(t, int64(2), snapshot[0].RunCount)
		assert.Equal(t, int64(2), snapshot[0].ErrorCount)
	})

	t.Run("Snapshot Mutation Does Not Leak Back", func(t *testing.T) {
		s := newTestScheduler(t)
		task := &ScheduledTask{ID: "sweep", Name: "Sweep", Handler: &stubHandler{}}
		require.NoError(t, s.AddTask(task))
		s.executeTask(task)

		snapshot := s.GetTasks()
		snapshot[0].RunCount = 99

		assert.Equal(t, int64(1), s.GetTasks()[0].RunCount)
	})

	t.Run("Duplicate Task ID Rejected", func(t *testing.T) {
		s := newTestScheduler(t)
		require.NoError(t, s.AddTask(&ScheduledTask{ID: "sweep", Handler: &stubHandler{}}))
		assert.Error(t, s.AddTask(&ScheduledTask{ID: "sweep", Handler: &stubHandler{}}))
	})
}
