package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/schemacraft/collabsync/audit"
	"github.com/schemacraft/collabsync/internal"
	"github.com/schemacraft/collabsync/state"
	"golang.org/x/exp/slices"
)

// SessionStore is the durable record of sessions. Implemented by state.Storage and
// state.MemorySessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s *state.Session) error
	UpdateSession(ctx context.Context, sessionID string, u state.SessionUpdate) error
	ActiveSessions(ctx context.Context, projectID string) ([]state.Session, error)
	ReapSessions(ctx context.Context, olderThan time.Time) ([]state.Session, error)
}

// Router runs the per-connection protocol: Unjoined -> Joined -> Left. Callers must not
// call HandleFrame or HandleClose concurrently for the same connection; different
// connections may be handled concurrently.
type Router struct {
	registry *Registry
	rooms    *Rooms
	store    SessionStore
	cache    *ParticipantsCache
	relay    *Relay
	auditor  *auditor
	metrics  *Metrics
}

// HandleFrame processes one text frame from conn. Malformed frames and frames which
// are not valid in the connection's current state are dropped without telling the
// client.
func (r *Router) HandleFrame(ctx context.Context, conn Conn, frame []byte) {
	internal.IncrementFrames(ctx)
	msg, err := Decode(frame)
	if err != nil {
		reason := dropMalformed
		if errors.Is(err, ErrUnknownType) {
			reason = dropUnknownType
		}
		r.metrics.droppedMessage(reason)
		internal.Logf(ctx, "collab", "dropping frame: %s", err)
		internal.DecorateLogger(ctx, logger.Debug()).Err(err).Msg("dropping frame")
		return
	}
	r.metrics.inboundMessage(msg.Type())
	ctx, span := internal.StartSpan(ctx, "collab."+string(msg.Type()))
	defer span.End()

	if join, ok := msg.(*JoinMessage); ok {
		if st := r.registry.State(conn); st != StateUnjoined {
			r.metrics.droppedMessage(dropWrongState)
			internal.DecorateLogger(ctx, logger.Debug()).Str("state", st.String()).Msg("dropping join")
			return
		}
		r.onJoin(ctx, conn, join)
		return
	}

	id, ok := r.registry.Lookup(conn)
	if !ok {
		r.metrics.droppedMessage(dropNotJoined)
		internal.DecorateLogger(ctx, logger.Debug()).Str("type", string(msg.Type())).Msg("dropping message from connection which has not joined")
		return
	}
	switch m := msg.(type) {
	case *LeaveMessage:
		r.depart(ctx, conn, audit.EventLeft)
	case *CursorMessage:
		r.broadcast(ctx, id.ProjectID, &CursorUpdateMessage{
			UserID:   id.UserID,
			Username: id.Username,
			Cursor:   m.Data,
		}, conn)
	case *UpdateMessage:
		r.broadcast(ctx, id.ProjectID, &SchemaUpdateMessage{
			UserID:   id.UserID,
			Username: id.Username,
			Changes:  m.Data,
		}, conn)
		now := time.Now()
		r.updateSession(ctx, id, state.SessionUpdate{LastActivity: &now})
	case *HeartbeatMessage:
		now := time.Now()
		r.updateSession(ctx, id, state.SessionUpdate{LastActivity: &now, CursorPosition: m.Cursor})
	default:
		internal.Assert(fmt.Sprintf("unhandled inbound message %T", msg), false)
	}
}

// HandleClose must be called once the transport for conn has closed or failed. If the
// connection was joined this performs the same departure as an explicit leave. Calling it
// more than once is harmless.
func (r *Router) HandleClose(ctx context.Context, conn Conn) {
	r.depart(ctx, conn, audit.EventDisconnected)
	r.registry.Forget(conn)
}

func (r *Router) onJoin(ctx context.Context, conn Conn, msg *JoinMessage) {
	sess := &state.Session{
		ID:        uuid.NewString(),
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Username:  msg.Username,
	}
	inserted := true
	if err := r.store.InsertSession(ctx, sess); err != nil {
		// carry on: live collaboration works without the durable record
		r.storeFailure(ctx, err, "failed to insert session")
		inserted = false
	}
	id := Identity{
		ProjectID: msg.ProjectID,
		UserID:    msg.UserID,
		Username:  msg.Username,
		SessionID: sess.ID,
		JoinedAt:  time.Now(),
	}
	if !r.registry.Register(conn, id) {
		internal.Assert("join registered a connection twice", false)
		return
	}
	r.rooms.Join(id.ProjectID, conn)
	internal.SetConnContextIdentity(ctx, id.ProjectID, id.UserID, id.SessionID)
	r.metrics.setConns(r.registry.Len())

	active, fromStore := r.loadParticipants(ctx, id.ProjectID)
	if fromStore && !inserted {
		// the store has no row for the joiner, who must still see themselves
		active = append(slices.Clone(active), id.Participant())
	}
	r.broadcast(ctx, id.ProjectID, &UserJoinedMessage{
		User:        id.Participant(),
		ActiveUsers: active,
	}, conn)
	ack, err := Encode(&JoinedMessage{
		SessionID:   id.SessionID,
		ActiveUsers: active,
	})
	if err != nil {
		internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg("failed to encode joined ack")
	} else if conn.IsReady() {
		if err := conn.Send(ack); err != nil {
			internal.DecorateLogger(ctx, logger.Debug()).Err(err).Msg("failed to send joined ack")
		}
	}
	r.auditor.record(audit.EventJoined, id)
	internal.DecorateLogger(ctx, logger.Info()).Int("active", len(active)).Msg("joined")
}

// depart removes a joined connection and tells the rest of the room. The registry
// guarantees this runs at most once per connection.
func (r *Router) depart(ctx context.Context, conn Conn, reason audit.EventType) {
	id, ok := r.registry.Remove(conn)
	if !ok {
		return
	}
	r.rooms.Leave(id.ProjectID, conn)
	r.metrics.setConns(r.registry.Len())
	r.updateSession(ctx, id, state.SessionUpdate{Deactivate: true})
	r.cache.Invalidate(id.ProjectID)
	r.broadcast(ctx, id.ProjectID, &UserLeftMessage{User: id.Participant()}, conn)
	r.auditor.record(reason, id)
	internal.DecorateLogger(ctx, logger.Info()).Str("reason", string(reason)).Msg("left")
}

// loadParticipants returns the active users of the project, always read from the store
// so the joining client sees itself. If the store is unavailable the users connected to
// this node are returned instead, and fromStore is false.
func (r *Router) loadParticipants(ctx context.Context, projectID string) (participants []Participant, fromStore bool) {
	gen := r.cache.Generation()
	sessions, err := r.store.ActiveSessions(ctx, projectID)
	if err != nil {
		r.storeFailure(ctx, err, "failed to load active sessions")
		return r.localParticipants(projectID), false
	}
	participants = participantsFromSessions(sessions)
	r.cache.SetIfCurrent(projectID, gen, participants)
	return participants, true
}

func (r *Router) localParticipants(projectID string) []Participant {
	ids := r.registry.Identities(projectID)
	slices.SortFunc(ids, func(a, b Identity) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})
	participants := make([]Participant, 0, len(ids))
	for _, id := range ids {
		participants = append(participants, id.Participant())
	}
	return participants
}

// Participants returns the active users of a project, from cache if possible.
func (r *Router) Participants(ctx context.Context, projectID string) ([]Participant, error) {
	if participants, ok := r.cache.Get(projectID); ok {
		return participants, nil
	}
	gen := r.cache.Generation()
	sessions, err := r.store.ActiveSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	participants := participantsFromSessions(sessions)
	r.cache.SetIfCurrent(projectID, gen, participants)
	return participants, nil
}

func (r *Router) broadcast(ctx context.Context, projectID string, msg Outbound, exclude Conn) {
	frame, err := Encode(msg)
	if err != nil {
		internal.DecorateLogger(ctx, logger.Error()).Err(err).Str("type", string(msg.Type())).Msg("failed to encode broadcast")
		return
	}
	r.rooms.BroadcastFrame(projectID, frame, exclude)
	r.relay.PublishFrame(projectID, frame)
}

func (r *Router) updateSession(ctx context.Context, id Identity, u state.SessionUpdate) {
	err := r.store.UpdateSession(ctx, id.SessionID, u)
	if errors.Is(err, state.ErrNoSuchSession) {
		// the insert on join failed, nothing more to say
		internal.DecorateLogger(ctx, logger.Warn()).Msg("session is not in the store")
		return
	}
	if err != nil {
		r.storeFailure(ctx, err, "failed to update session")
	}
}

func (r *Router) storeFailure(ctx context.Context, err error, msg string) {
	internal.DecorateLogger(ctx, logger.Error()).Err(err).Msg(msg)
	internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
}

func participantsFromSessions(sessions []state.Session) []Participant {
	participants := make([]Participant, 0, len(sessions))
	for _, s := range sessions {
		participants = append(participants, Participant{UserID: s.UserID, Username: s.Username})
	}
	return participants
}
