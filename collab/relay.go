package collab

import (
	"time"

	"github.com/schemacraft/collabsync/pubsub"
	"github.com/tidwall/gjson"
)

// Relay carries room broadcasts between nodes, so that members of the same project
// connected to different nodes still see each other. Frames this node published are
// ignored when they come back.
type Relay struct {
	nodeID   string
	notifier pubsub.Notifier
	sub      *pubsub.RoomsSub
	registry *Registry
	rooms    *Rooms
	cache    *ParticipantsCache
}

func NewRelay(nodeID string, notifier pubsub.Notifier, listener pubsub.Listener, registry *Registry, rooms *Rooms, cache *ParticipantsCache) *Relay {
	r := &Relay{
		nodeID:   nodeID,
		notifier: notifier,
		registry: registry,
		rooms:    rooms,
		cache:    cache,
	}
	r.sub = pubsub.NewRoomsSub(listener, r)
	return r
}

// Start listening for other nodes' frames in the background.
func (r *Relay) Start() {
	go func() {
		if err := r.sub.Listen(); err != nil {
			logger.Err(err).Str("node", r.nodeID).Msg("relay listener exited")
		}
	}()
}

// PublishFrame sends a frame which was just broadcast locally to the other nodes. A nil
// Relay does nothing.
func (r *Relay) PublishFrame(projectID string, frame []byte) {
	if r == nil {
		return
	}
	err := r.notifier.Notify(pubsub.ChanRooms, &pubsub.RoomFrame{
		NodeID:    r.nodeID,
		ProjectID: projectID,
		Frame:     frame,
		SentAt:    time.Now(),
	})
	if err != nil {
		logger.Err(err).Str("project", projectID).Msg("failed to relay frame")
	}
}

func (r *Relay) PublishReaped(projectIDs []string) {
	if r == nil || len(projectIDs) == 0 {
		return
	}
	err := r.notifier.Notify(pubsub.ChanRooms, &pubsub.SessionsReaped{
		NodeID:     r.nodeID,
		ProjectIDs: projectIDs,
	})
	if err != nil {
		logger.Err(err).Strs("projects", projectIDs).Msg("failed to relay reaped sessions")
	}
}

func (r *Relay) OnRoomFrame(p *pubsub.RoomFrame) {
	if p.NodeID == r.nodeID {
		return
	}
	switch MessageType(gjson.GetBytes(p.Frame, "type").Str) {
	case TypeUserJoined, TypeUserLeft:
		r.cache.Invalidate(p.ProjectID)
	}
	// A member which joined after the frame was sent has already been given newer state in
	// its joined ack, so must not see the frame.
	r.rooms.BroadcastFrameFunc(p.ProjectID, p.Frame, func(conn Conn) bool {
		if p.SentAt.IsZero() {
			return true
		}
		id, ok := r.registry.Lookup(conn)
		return ok && !id.JoinedAt.After(p.SentAt)
	})
}

func (r *Relay) OnSessionsReaped(p *pubsub.SessionsReaped) {
	if p.NodeID == r.nodeID {
		return
	}
	r.cache.Invalidate(p.ProjectIDs...)
}

func (r *Relay) Teardown() {
	if r == nil {
		return
	}
	r.sub.Teardown()
	if err := r.notifier.Close(); err != nil {
		logger.Err(err).Msg("failed to close relay notifier")
	}
}
