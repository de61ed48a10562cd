package collab

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/schemacraft/collabsync/audit"
	"github.com/schemacraft/collabsync/pubsub"
	"github.com/schemacraft/collabsync/state"
	"golang.org/x/exp/maps"
)

const DefaultParticipantsTTL = time.Minute

type Config struct {
	// Identifies this node on the relay. Generated if empty.
	NodeID          string
	ReapInterval    time.Duration
	StaleThreshold  time.Duration
	ParticipantsTTL time.Duration
	EnableMetrics   bool

	// Optional cross-node relay. Both or neither must be set.
	Notifier pubsub.Notifier
	Listener pubsub.Listener

	// Optional audit stream.
	Audit        audit.Emitter
	AuditWorkers int
}

// Service owns all in-memory collaboration state for one node along with the background
// work (reaper, relay, cache expiry) that goes with it. Construct with NewService and
// release with Teardown.
type Service struct {
	*Router
	Registry *Registry
	Rooms    *Rooms

	nodeID  string
	reaper  *Reaper
	metrics *Metrics
}

func NewService(store SessionStore, cfg Config) *Service {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.ParticipantsTTL <= 0 {
		cfg.ParticipantsTTL = DefaultParticipantsTTL
	}
	if cfg.AuditWorkers <= 0 {
		cfg.AuditWorkers = 4
	}
	var metrics *Metrics
	if cfg.EnableMetrics {
		metrics = NewMetrics()
	}
	registry := NewRegistry()
	rooms := NewRooms(metrics)
	cache := NewParticipantsCache(cfg.ParticipantsTTL)
	go cache.Start()

	var relay *Relay
	if cfg.Notifier != nil && cfg.Listener != nil {
		notifier := cfg.Notifier
		if cfg.EnableMetrics {
			notifier = pubsub.NewPromNotifier(notifier, "relay")
		}
		relay = NewRelay(cfg.NodeID, notifier, cfg.Listener, registry, rooms, cache)
		relay.Start()
	}

	s := &Service{
		Router: &Router{
			registry: registry,
			rooms:    rooms,
			store:    store,
			cache:    cache,
			relay:    relay,
			auditor:  newAuditor(cfg.Audit, cfg.AuditWorkers),
			metrics:  metrics,
		},
		Registry: registry,
		Rooms:    rooms,
		nodeID:   cfg.NodeID,
		metrics:  metrics,
	}
	s.reaper = NewReaper(store, cfg.ReapInterval, cfg.StaleThreshold, s.onReaped)
	s.reaper.Start()
	logger.Info().Str("node", cfg.NodeID).Bool("relay", relay != nil).Bool("audit", cfg.Audit != nil).Msg("collaboration service started")
	return s
}

func (s *Service) NodeID() string {
	return s.nodeID
}

// Reap runs one reaper sweep now rather than waiting for the next tick.
func (s *Service) Reap(ctx context.Context) ([]state.Session, error) {
	return s.reaper.ReapOnce(ctx)
}

func (s *Service) onReaped(ctx context.Context, sessions []state.Session) {
	projects := make(map[string]struct{})
	for _, sess := range sessions {
		projects[sess.ProjectID] = struct{}{}
		s.auditor.record(audit.EventReaped, Identity{
			ProjectID: sess.ProjectID,
			UserID:    sess.UserID,
			Username:  sess.Username,
			SessionID: sess.ID,
		})
	}
	projectIDs := maps.Keys(projects)
	s.cache.Invalidate(projectIDs...)
	s.relay.PublishReaped(projectIDs)
	s.metrics.sessionsReaped(len(sessions))
}

// Teardown stops background work. Connections should be closed first so that their
// departures are recorded.
func (s *Service) Teardown() {
	s.reaper.Stop()
	s.relay.Teardown()
	s.cache.Stop()
	s.auditor.stop()
	s.metrics.Unregister()
}
