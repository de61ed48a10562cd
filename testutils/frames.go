package testutils

import (
	"github.com/tidwall/sjson"
)

// FrameBuilder builds client frames for tests. Paths use sjson syntax, e.g. "data.cursor.x".
type FrameBuilder struct {
	frame []byte
}

func NewFrame(msgType string) *FrameBuilder {
	b := &FrameBuilder{frame: []byte(`{}`)}
	return b.Set("type", msgType)
}

func (b *FrameBuilder) Set(path string, value interface{}) *FrameBuilder {
	frame, err := sjson.SetBytes(b.frame, path, value)
	if err != nil {
		panic("FrameBuilder.Set " + path + ": " + err.Error())
	}
	b.frame = frame
	return b
}

// SetRaw sets path to raw JSON.
func (b *FrameBuilder) SetRaw(path string, rawJSON string) *FrameBuilder {
	frame, err := sjson.SetRawBytes(b.frame, path, []byte(rawJSON))
	if err != nil {
		panic("FrameBuilder.SetRaw " + path + ": " + err.Error())
	}
	b.frame = frame
	return b
}

func (b *FrameBuilder) Bytes() []byte {
	return b.frame
}

func JoinFrame(projectID, userID, username string) []byte {
	return NewFrame("join").Set("projectId", projectID).Set("userId", userID).Set("username", username).Bytes()
}

func LeaveFrame() []byte {
	return NewFrame("leave").Bytes()
}

func CursorFrame(rawCursor string) []byte {
	return NewFrame("cursor").SetRaw("data", rawCursor).Bytes()
}

func UpdateFrame(rawChanges string) []byte {
	return NewFrame("update").SetRaw("data", rawChanges).Bytes()
}

// HeartbeatFrame builds a heartbeat, with data.cursor set if rawCursor is not empty.
func HeartbeatFrame(rawCursor string) []byte {
	b := NewFrame("heartbeat")
	if rawCursor != "" {
		b.SetRaw("data.cursor", rawCursor)
	}
	return b.Bytes()
}
