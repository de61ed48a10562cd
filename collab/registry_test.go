package collab

import (
	"testing"

	"github.com/matrix-org/complement/must"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	aliceID := Identity{ProjectID: "P1", UserID: "alice", Username: "Alice", SessionID: "S1"}

	must.Equal(t, r.State(alice), StateUnjoined, "initial state")
	_, ok := r.Lookup(alice)
	must.Equal(t, ok, false, "unknown conns are absent")

	must.Equal(t, r.Register(alice, aliceID), true, "first register")
	must.Equal(t, r.Register(alice, Identity{ProjectID: "P2"}), false, "second register is a no-op")
	got, ok := r.Lookup(alice)
	must.Equal(t, ok, true, "lookup after register")
	must.Equal(t, got, aliceID, "identity is the first one registered")
	must.Equal(t, r.State(alice), StateJoined, "joined")
	must.Equal(t, r.Register(bob, Identity{ProjectID: "P1", UserID: "bob", SessionID: "S2"}), true, "register bob")
	must.Equal(t, r.Len(), 2, "two joined")
	must.Equal(t, len(r.Identities("P1")), 2, "both in P1")
	must.Equal(t, len(r.Identities("P2")), 0, "nobody in P2")

	removed, ok := r.Remove(alice)
	must.Equal(t, ok, true, "first remove")
	must.Equal(t, removed, aliceID, "removed identity")
	_, ok = r.Remove(alice)
	must.Equal(t, ok, false, "second remove is a no-op")
	must.Equal(t, r.State(alice), StateLeft, "left")
	must.Equal(t, r.Register(alice, aliceID), false, "cannot join again after leaving")
	_, ok = r.Lookup(alice)
	must.Equal(t, ok, false, "left conns are absent")
	must.Equal(t, r.Len(), 1, "one joined")

	r.Forget(alice)
	must.Equal(t, r.State(alice), StateUnjoined, "forgotten")
	// removing a never-joined conn is harmless
	_, ok = r.Remove(newFakeConn("stranger"))
	must.Equal(t, ok, false, "stranger")
}
