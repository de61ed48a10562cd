package internal

import (
	"bytes"
	"context"
	"testing"

	"github.com/matrix-org/complement/must"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func TestDecorateLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	ctx := ConnContext(context.Background(), "conn-1")
	DecorateLogger(ctx, l.Info()).Msg("before join")
	line := buf.Bytes()
	must.Equal(t, gjson.GetBytes(line, "c").Str, "conn-1", "conn id")
	must.Equal(t, gjson.GetBytes(line, "u").Exists(), false, "user set before join")

	buf.Reset()
	SetConnContextIdentity(ctx, "P1", "alice", "S1")
	IncrementFrames(ctx)
	IncrementFrames(ctx)
	DecorateLogger(ctx, l.Info()).Msg("after join")
	line = buf.Bytes()
	must.Equal(t, gjson.GetBytes(line, "p").Str, "P1", "project")
	must.Equal(t, gjson.GetBytes(line, "u").Str, "alice", "user")
	must.Equal(t, gjson.GetBytes(line, "s").Str, "S1", "session")
	must.Equal(t, gjson.GetBytes(line, "f").Int(), int64(2), "frames")
}

func TestDecorateLoggerWithoutConnContext(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	ctx := context.Background()
	SetConnContextIdentity(ctx, "P1", "alice", "S1") // no-op
	DecorateLogger(ctx, l.Info()).Msg("plain")
	must.Equal(t, gjson.GetBytes(buf.Bytes(), "p").Exists(), false, "project set without ConnContext")
}
