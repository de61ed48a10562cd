package pubsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// The channel which carries room traffic between nodes.
const ChanRooms = "collab.rooms"

type RoomsListener interface {
	OnRoomFrame(p *RoomFrame)
	OnSessionsReaped(p *SessionsReaped)
}

// RoomFrame is an already-encoded outbound frame which every other node should deliver
// to its local members of ProjectID which had joined by SentAt. The sender is always
// local to NodeID.
type RoomFrame struct {
	NodeID    string
	ProjectID string
	Frame     json.RawMessage
	SentAt    time.Time
}

func (v RoomFrame) Type() string { return "f" }

// SessionsReaped tells other nodes that cached participant lists for these projects are
// stale.
type SessionsReaped struct {
	NodeID     string
	ProjectIDs []string
}

func (v SessionsReaped) Type() string { return "r" }

// DecodePayload is the inverse of json.Marshal on one of the payloads in this file.
func DecodePayload(typ string, data []byte) (Payload, error) {
	var p Payload
	switch typ {
	case RoomFrame{}.Type():
		p = &RoomFrame{}
	case SessionsReaped{}.Type():
		p = &SessionsReaped{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", typ)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload type %q: %w", typ, err)
	}
	return p, nil
}

type RoomsSub struct {
	listener Listener
	receiver RoomsListener
}

func NewRoomsSub(l Listener, recv RoomsListener) *RoomsSub {
	return &RoomsSub{
		listener: l,
		receiver: recv,
	}
}

func (v *RoomsSub) Teardown() {
	v.listener.Close()
}

func (v *RoomsSub) onMessage(p Payload) {
	switch p.Type() {
	case RoomFrame{}.Type():
		v.receiver.OnRoomFrame(p.(*RoomFrame))
	case SessionsReaped{}.Type():
		v.receiver.OnSessionsReaped(p.(*SessionsReaped))
	}
}

func (v *RoomsSub) Listen() error {
	return v.listener.Listen(ChanRooms, v.onMessage)
}
