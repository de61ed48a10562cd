package collab

import (
	"fmt"
	"sync"

	"github.com/schemacraft/collabsync/internal"
	"golang.org/x/exp/maps"
)

type connSet map[Conn]struct{}

// Rooms tracks which connections are interested in which project and fans frames out to
// them. A room exists only while it has members.
type Rooms struct {
	rooms   map[string]connSet
	mu      *sync.RWMutex
	metrics *Metrics
}

func NewRooms(metrics *Metrics) *Rooms {
	return &Rooms{
		rooms:   make(map[string]connSet),
		mu:      &sync.RWMutex{},
		metrics: metrics,
	}
}

// Join adds conn to the room for projectID, creating the room if needed.
func (r *Rooms) Join(projectID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[projectID]
	if members == nil {
		members = make(connSet)
		r.rooms[projectID] = members
	}
	members[conn] = struct{}{}
	r.metrics.setRooms(len(r.rooms))
}

// Leave removes conn from the room for projectID, deleting the room if it is now empty.
// Returns true if the room was deleted.
func (r *Rooms) Leave(projectID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[projectID]
	if !ok {
		return false
	}
	delete(members, conn)
	if len(members) > 0 {
		return false
	}
	delete(r.rooms, projectID)
	r.metrics.setRooms(len(r.rooms))
	return true
}

// Members returns the connections in this room, in no particular order.
func (r *Rooms) Members(projectID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Keys(r.rooms[projectID])
}

func (r *Rooms) Exists(projectID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[projectID]
	return ok
}

func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast encodes msg once and sends it to every ready member of the room except
// exclude, which may be nil. Returns the number of members it was sent to.
func (r *Rooms) Broadcast(projectID string, msg Outbound, exclude Conn) int {
	frame, err := Encode(msg)
	if err != nil {
		logger.Err(err).Str("project", projectID).Str("type", string(msg.Type())).Msg("failed to encode broadcast")
		return 0
	}
	return r.BroadcastFrame(projectID, frame, exclude)
}

// BroadcastFrame is Broadcast for an already encoded frame. Peers which are closing or
// whose send fails are skipped: one broken peer never stops delivery to the rest, and
// never surfaces as an error to the caller.
func (r *Rooms) BroadcastFrame(projectID string, frame []byte, exclude Conn) int {
	return r.BroadcastFrameFunc(projectID, frame, func(conn Conn) bool {
		return conn != exclude
	})
}

// BroadcastFrameFunc is BroadcastFrame to the members for which include returns true.
// include runs with the room locked and must not call back into Rooms.
func (r *Rooms) BroadcastFrameFunc(projectID string, frame []byte, include func(conn Conn) bool) int {
	// Hold the read lock for the whole fan-out so joins and leaves to this room are
	// serialised with respect to broadcasts. Send never blocks.
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[projectID]
	internal.Assert(fmt.Sprintf("room %s exists with no members", projectID), members == nil || len(members) > 0)
	sent := 0
	for conn := range members {
		if !include(conn) {
			continue
		}
		if !conn.IsReady() {
			r.metrics.frameSkipped()
			continue
		}
		if err := conn.Send(frame); err != nil {
			logger.Debug().Err(err).Str("project", projectID).Str("conn", conn.ID()).Msg("failed to send to room member")
			r.metrics.frameSkipped()
			continue
		}
		r.metrics.frameSent()
		sent++
	}
	return sent
}
