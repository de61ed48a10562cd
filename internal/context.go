package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "collab_data"
)

// logging metadata for a single collaboration socket. Only the goroutine reading the
// socket may write to it.
type data struct {
	connID    string
	projectID string
	userID    string
	sessionID string
	numFrames int
}

// ConnContext prepares a context so it can carry collaboration socket info.
func ConnContext(ctx context.Context, connID string) context.Context {
	d := &data{
		connID: connID,
	}
	return context.WithValue(ctx, ctxData, d)
}

// SetConnContextIdentity records who the socket belongs to once they have joined. Need to
// have called ConnContext first.
func SetConnContextIdentity(ctx context.Context, projectID, userID, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.projectID = projectID
	da.userID = userID
	da.sessionID = sessionID
}

// IncrementFrames bumps the number of inbound frames seen on this socket.
func IncrementFrames(ctx context.Context) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	d.(*data).numFrames++
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.connID != "" {
		l = l.Str("c", da.connID)
	}
	if da.projectID != "" {
		l = l.Str("p", da.projectID)
	}
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.numFrames > 0 {
		l = l.Int("f", da.numFrames)
	}
	return l
}
