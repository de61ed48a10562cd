package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

type MessageType string

// Client -> server
const (
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeCursor    MessageType = "cursor"
	TypeUpdate    MessageType = "update"
	TypeHeartbeat MessageType = "heartbeat"
)

// Server -> client
const (
	TypeJoined       MessageType = "joined"
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypeCursorUpdate MessageType = "cursor-update"
	TypeSchemaUpdate MessageType = "schema-update"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

// Inbound is one of *JoinMessage, *LeaveMessage, *CursorMessage, *UpdateMessage or
// *HeartbeatMessage.
type Inbound interface {
	Type() MessageType
	inbound()
}

// Outbound is one of *JoinedMessage, *UserJoinedMessage, *UserLeftMessage,
// *CursorUpdateMessage or *SchemaUpdateMessage.
type Outbound interface {
	Type() MessageType
	outbound()
}

type Participant struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type JoinMessage struct {
	ProjectID string
	UserID    string
	Username  string
}

type LeaveMessage struct{}

type CursorMessage struct {
	Data json.RawMessage
}

type UpdateMessage struct {
	Data json.RawMessage
}

type HeartbeatMessage struct {
	// nil if the heartbeat did not carry data.cursor
	Cursor json.RawMessage
}

func (*JoinMessage) Type() MessageType      { return TypeJoin }
func (*LeaveMessage) Type() MessageType     { return TypeLeave }
func (*CursorMessage) Type() MessageType    { return TypeCursor }
func (*UpdateMessage) Type() MessageType    { return TypeUpdate }
func (*HeartbeatMessage) Type() MessageType { return TypeHeartbeat }

func (*JoinMessage) inbound()      {}
func (*LeaveMessage) inbound()     {}
func (*CursorMessage) inbound()    {}
func (*UpdateMessage) inbound()    {}
func (*HeartbeatMessage) inbound() {}

type JoinedMessage struct {
	SessionID   string        `json:"sessionId"`
	ActiveUsers []Participant `json:"activeUsers"`
}

type UserJoinedMessage struct {
	User        Participant   `json:"user"`
	ActiveUsers []Participant `json:"activeUsers"`
}

type UserLeftMessage struct {
	User Participant `json:"user"`
}

type CursorUpdateMessage struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Cursor   json.RawMessage `json:"cursor"`
}

type SchemaUpdateMessage struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Changes  json.RawMessage `json:"changes"`
}

func (*JoinedMessage) Type() MessageType       { return TypeJoined }
func (*UserJoinedMessage) Type() MessageType   { return TypeUserJoined }
func (*UserLeftMessage) Type() MessageType     { return TypeUserLeft }
func (*CursorUpdateMessage) Type() MessageType { return TypeCursorUpdate }
func (*SchemaUpdateMessage) Type() MessageType { return TypeSchemaUpdate }

func (*JoinedMessage) outbound()       {}
func (*UserJoinedMessage) outbound()   {}
func (*UserLeftMessage) outbound()     {}
func (*CursorUpdateMessage) outbound() {}
func (*SchemaUpdateMessage) outbound() {}

// Decode parses one client frame. Returned errors wrap ErrUnknownType or ErrInvalidPayload.
func Decode(frame []byte) (Inbound, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: not JSON", ErrInvalidPayload)
	}
	parsed := gjson.ParseBytes(frame)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	typ := parsed.Get("type")
	if typ.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	switch MessageType(typ.Str) {
	case TypeJoin:
		projectID := parsed.Get("projectId")
		userID := parsed.Get("userId")
		if projectID.Type != gjson.String || projectID.Str == "" {
			return nil, fmt.Errorf("%w: join without projectId", ErrInvalidPayload)
		}
		if userID.Type != gjson.String || userID.Str == "" {
			return nil, fmt.Errorf("%w: join without userId", ErrInvalidPayload)
		}
		username := parsed.Get("username").Str
		if username == "" {
			username = userID.Str
		}
		return &JoinMessage{
			ProjectID: projectID.Str,
			UserID:    userID.Str,
			Username:  username,
		}, nil
	case TypeLeave:
		return &LeaveMessage{}, nil
	case TypeCursor:
		data := parsed.Get("data")
		if !data.Exists() {
			return nil, fmt.Errorf("%w: cursor without data", ErrInvalidPayload)
		}
		return &CursorMessage{Data: json.RawMessage(data.Raw)}, nil
	case TypeUpdate:
		data := parsed.Get("data")
		if !data.Exists() {
			return nil, fmt.Errorf("%w: update without data", ErrInvalidPayload)
		}
		return &UpdateMessage{Data: json.RawMessage(data.Raw)}, nil
	case TypeHeartbeat:
		hb := &HeartbeatMessage{}
		if cursor := parsed.Get("data.cursor"); cursor.Exists() {
			hb.Cursor = json.RawMessage(cursor.Raw)
		}
		return hb, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ.Str)
}

// Encode serialises a server frame.
func Encode(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case *JoinedMessage:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*JoinedMessage
		}{TypeJoined, withParticipants(m)})
	case *UserJoinedMessage:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*UserJoinedMessage
		}{TypeUserJoined, withUserParticipants(m)})
	case *UserLeftMessage:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*UserLeftMessage
		}{TypeUserLeft, m})
	case *CursorUpdateMessage:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*CursorUpdateMessage
		}{TypeCursorUpdate, m})
	case *SchemaUpdateMessage:
		return json.Marshal(struct {
			Type MessageType `json:"type"`
			*SchemaUpdateMessage
		}{TypeSchemaUpdate, m})
	}
	return nil, fmt.Errorf("cannot encode %T", msg)
}

// clients expect a list, never null
func withParticipants(m *JoinedMessage) *JoinedMessage {
	if m.ActiveUsers != nil {
		return m
	}
	cpy := *m
	cpy.ActiveUsers = []Participant{}
	return &cpy
}

func withUserParticipants(m *UserJoinedMessage) *UserJoinedMessage {
	if m.ActiveUsers != nil {
		return m
	}
	cpy := *m
	cpy.ActiveUsers = []Participant{}
	return &cpy
}
