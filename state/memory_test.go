package state

import (
	"context"
	"testing"

	"github.com/matrix-org/complement/must"
)

func TestMemorySessionsInsertAndSelect(t *testing.T) {
	testInsertAndSelect(t, NewMemorySessions())
}

func TestMemorySessionsUpdate(t *testing.T) {
	testUpdate(t, NewMemorySessions())
}

func TestMemorySessionsReap(t *testing.T) {
	testReap(t, NewMemorySessions())
}

func TestMemorySessionsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessions()
	s := &Session{ProjectID: "p1", UserID: "u1", Username: "Ann"}
	must.NotError(t, "insert", store.InsertSession(ctx, s))
	s.Username = "mutated"

	active, err := store.ActiveSessions(ctx, "p1")
	must.NotError(t, "ActiveSessions", err)
	must.Equal(t, active[0].Username, "Ann", "stored value is not aliased")
	active[0].Username = "mutated"

	got, err := store.Session(ctx, s.ID)
	must.NotError(t, "Session", err)
	must.Equal(t, got.Username, "Ann", "returned value is not aliased")
	must.NotError(t, "Ping", store.Ping(ctx))
}
