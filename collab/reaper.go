package collab

import (
	"context"
	"sync"
	"time"

	"github.com/schemacraft/collabsync/internal"
	"github.com/schemacraft/collabsync/state"
)

const (
	DefaultReapInterval   = 30 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
)

// Reaper periodically deactivates sessions which have been silent for longer than the
// threshold. It catches clients whose transport died without the close ever being seen.
type Reaper struct {
	store     SessionStore
	interval  time.Duration
	threshold time.Duration
	onReaped  func(ctx context.Context, sessions []state.Session)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper makes a Reaper. onReaped, if set, is called with the sessions deactivated by
// each sweep which found any.
func NewReaper(store SessionStore, interval, threshold time.Duration, onReaped func(ctx context.Context, sessions []state.Session)) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Reaper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		onReaped:  onReaped,
		stopCh:    make(chan struct{}),
	}
}

// Start sweeping in the background.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				// errors are logged by ReapOnce; try again next tick
				r.ReapOnce(context.Background())
			}
		}
	}()
}

// Stop sweeping. Waits for an in-progress sweep to finish. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// ReapOnce performs a single sweep.
func (r *Reaper) ReapOnce(ctx context.Context) ([]state.Session, error) {
	ctx, span := internal.StartSpan(ctx, "ReapSessions")
	defer span.End()
	cutoff := time.Now().Add(-r.threshold)
	reaped, err := r.store.ReapSessions(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		logger.Err(err).Time("cutoff", cutoff).Msg("failed to reap stale sessions")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return nil, err
	}
	if len(reaped) == 0 {
		return nil, nil
	}
	logger.Info().Int("count", len(reaped)).Time("cutoff", cutoff).Msg("reaped stale sessions")
	if r.onReaped != nil {
		r.onReaped(ctx, reaped)
	}
	return reaped, nil
}
