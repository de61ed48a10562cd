package collab

import (
	"context"
	"sync"
	"time"

	"github.com/schemacraft/collabsync/audit"
	"github.com/schemacraft/collabsync/internal"
)

// auditor hands audit events to the emitter on a worker pool so that the socket's
// goroutine never waits on Kafka. A nil auditor records nothing.
type auditor struct {
	emitter audit.Emitter
	pool    *internal.WorkerPool
	mu      sync.Mutex
	stopped bool
}

func newAuditor(emitter audit.Emitter, workers int) *auditor {
	if emitter == nil {
		return nil
	}
	a := &auditor{
		emitter: emitter,
		pool:    internal.NewWorkerPool(workers),
	}
	a.pool.Start()
	return a
}

func (a *auditor) record(evType audit.EventType, id Identity) {
	if a == nil {
		return
	}
	ev := audit.Event{
		Type:      evType,
		SessionID: id.SessionID,
		ProjectID: id.ProjectID,
		UserID:    id.UserID,
		Username:  id.Username,
		Timestamp: time.Now(),
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	queued := a.pool.TryQueue(func() {
		if err := a.emitter.Emit(context.Background(), ev); err != nil {
			logger.Warn().Err(err).Str("type", string(ev.Type)).Str("session", ev.SessionID).Msg("failed to emit audit event")
		}
	})
	if !queued {
		logger.Warn().Str("type", string(ev.Type)).Str("session", ev.SessionID).Msg("audit queue full, dropping event")
	}
}

// stop waits for queued events to be written then closes the emitter.
func (a *auditor) stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.pool.Stop()
	if err := a.emitter.Close(); err != nil {
		logger.Err(err).Msg("failed to close audit emitter")
	}
}
