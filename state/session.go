package state

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoSuchSession is returned when an update targets a session ID which was never
// inserted.
var ErrNoSuchSession = errors.New("no such session")

// Session is one user's participation in one project's editing room. Rows are only ever
// soft-deactivated; nothing here deletes them.
type Session struct {
	ID        string
	ProjectID string
	UserID    string
	Username  string
	// Last cursor reported in a heartbeat. Opaque JSON, nil if never reported.
	CursorPosition json.RawMessage
	IsActive       bool
	LastActivity   time.Time
	CreatedAt      time.Time
}

// SessionUpdate is the set of fields to change on a session. Zero values leave the
// column untouched.
type SessionUpdate struct {
	LastActivity   *time.Time
	CursorPosition json.RawMessage
	// Deactivate clears the active flag. There is no way to set it again.
	Deactivate bool
}

func (u SessionUpdate) isEmpty() bool {
	return u.LastActivity == nil && u.CursorPosition == nil && !u.Deactivate
}
