// Package audit provides the append-only audit event sink. Every state
// transition and delivery attempt in the engine writes one entry.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breach-shield/notification-engine/internal/database"
)

const (
	flushInterval = 5 * time.Second
	batchSize     = 50
	bufferSize    = 1024
)

// Recorder accepts audit events. The workflow engine and dispatcher depend
// on this rather than on the concrete logger so tests can observe events.
type Recorder interface {
	Record(incidentID string, workflowID *string, actor, action string, details map[string]interface{})
}

// Store persists audit entry batches
type Store interface {
	CreateBatch(ctx context.Context, entries []*database.AuditEntry) error
}

// Logger buffers audit entries and flushes them in batches. Entries are
// append-only; there is no mutation path.
type Logger struct {
	store    Store
	logger   *slog.Logger
	entries  chan *database.AuditEntry
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(store Store, logger *slog.Logger) *Logger {
	return &Logger{
		store:    store,
		logger:   logger,
		entries:  make(chan *database.AuditEntry, bufferSize),
		stopChan: make(chan struct{}),
	}
}

// Start starts the background flush loop
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.flushLoop(ctx)
}

// Stop drains and flushes remaining entries
func (l *Logger) Stop() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Record enqueues an audit entry. A full buffer drops the entry with an
// error log rather than blocking a workflow tick.
func (l *Logger) Record(incidentID string, workflowID *string, actor, action string, details map[string]interface{}) {
	entry := &database.AuditEntry{
		ID:         uuid.NewString(),
		IncidentID: incidentID,
		WorkflowID: workflowID,
		Actor:      actor,
		Action:     action,
		Details:    database.JSONMap(details),
		CreatedAt:  time.Now(),
	}

	select {
	case l.entries <- entry:
	default:
		l.logger.Error("Audit buffer full, entry dropped",
			"incident_id", incidentID,
			"action", action)
	}
}

func (l *Logger) flushLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*database.AuditEntry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.store.CreateBatch(flushCtx, batch); err != nil {
			l.logger.Error("Failed to flush audit batch", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-l.stopChan:
			// Drain whatever is buffered before exiting
			for {
				select {
				case entry := <-l.entries:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case entry := <-l.entries:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// NopRecorder discards audit events; used in tests
type NopRecorder struct{}

// Record implements Recorder
func (NopRecorder) Record(string, *string, string, string, map[string]interface{}) {}
