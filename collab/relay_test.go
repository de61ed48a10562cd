package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/complement/must"
	"github.com/schemacraft/collabsync/pubsub"
	"github.com/schemacraft/collabsync/state"
	"github.com/schemacraft/collabsync/testutils"
	"github.com/schemacraft/collabsync/testutils/m"
)

// two nodes sharing a store and an in-process pubsub, as two processes would share
// Postgres and Redis
func newTwoNodes(t *testing.T) (*Service, *Service, *pubsub.PubSub) {
	t.Helper()
	store := state.NewMemorySessions()
	ps := pubsub.NewPubSub(100)
	nodeA := newTestService(t, store, Config{NodeID: "A", Notifier: ps, Listener: ps})
	nodeB := newTestService(t, store, Config{NodeID: "B", Notifier: ps, Listener: ps})
	// both relays subscribe asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ps.NumListeners(pubsub.ChanRooms) == 2 {
			return nodeA, nodeB, ps
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relays did not subscribe")
	return nil, nil, nil
}

func TestRelayAcrossNodes(t *testing.T) {
	ctx := context.Background()
	nodeA, nodeB, _ := newTwoNodes(t)
	alice, bob := newFakeConn("alice"), newFakeConn("bob")

	join(t, nodeA, alice, "P1", "alice")
	// bob joins on the other node: his ack lists alice from the shared store, and alice
	// hears about him through the relay
	nodeB.HandleFrame(ctx, bob, testutils.JoinFrame("P1", "bob", "Bob"))
	m.MatchFrame(t, bob.mustTakeOne(t), m.MatchType("joined"), m.MatchActiveUsers("alice", "bob"))
	m.MatchFrame(t, alice.waitForFrames(t, 1)[0], m.MatchType("user-joined"), m.MatchUser("bob", "Bob"))

	nodeB.HandleFrame(ctx, bob, testutils.UpdateFrame(`"CREATE TABLE x"`))
	m.MatchFrame(t, alice.waitForFrames(t, 1)[0], m.MatchType("schema-update"), m.MatchString("changes", "CREATE TABLE x"))

	nodeA.HandleFrame(ctx, alice, testutils.CursorFrame(`{"x":1}`))
	m.MatchFrame(t, bob.waitForFrames(t, 1)[0], m.MatchType("cursor-update"), m.MatchString("userId", "alice"))

	nodeB.HandleClose(ctx, bob)
	m.MatchFrame(t, alice.waitForFrames(t, 1)[0], m.MatchType("user-left"), m.MatchUser("bob", "Bob"))

	// nothing echoes back: give stray frames a moment to arrive
	time.Sleep(20 * time.Millisecond)
	alice.mustTakeNone(t)
	bob.mustTakeNone(t)
	must.Equal(t, nodeB.Rooms.Exists("P1"), false, "node B has no P1 room")
}

func TestRelayInvalidatesRemoteCacheOnReap(t *testing.T) {
	ctx := context.Background()
	nodeA, nodeB, _ := newTwoNodes(t)
	alice := newFakeConn("alice")
	join(t, nodeA, alice, "P1", "alice")

	got, err := nodeB.Participants(ctx, "P1")
	must.NotError(t, "Participants", err)
	must.Equal(t, len(got), 1, "node B sees alice")

	nodeA.reaper.threshold = time.Nanosecond
	time.Sleep(time.Millisecond)
	reaped, err := nodeA.Reap(ctx)
	must.NotError(t, "Reap", err)
	must.Equal(t, len(reaped), 1, "alice reaped")

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err = nodeB.Participants(ctx, "P1")
		must.NotError(t, "Participants", err)
		if len(got) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node B cache was never invalidated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// heldNotifier queues payloads until release is called, standing in for a slow link
// between nodes.
type heldNotifier struct {
	pubsub.Notifier
	mu   sync.Mutex
	held []pubsub.Payload
}

func (n *heldNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.held = append(n.held, p)
	return nil
}

func (n *heldNotifier) release(t *testing.T) {
	t.Helper()
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.mu.Unlock()
	for _, p := range held {
		must.NotError(t, "Notify", n.Notifier.Notify(pubsub.ChanRooms, p))
	}
}

func TestRelaySkipsMembersWhoJoinedAfterTheFrameWasSent(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemorySessions()
	ps := pubsub.NewPubSub(100)
	slow := &heldNotifier{Notifier: ps}
	nodeA := newTestService(t, store, Config{NodeID: "A", Notifier: slow, Listener: ps})
	nodeB := newTestService(t, store, Config{NodeID: "B", Notifier: ps, Listener: ps})
	deadline := time.Now().Add(2 * time.Second)
	for ps.NumListeners(pubsub.ChanRooms) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("relays did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	alice, bob, carol := newFakeConn("alice"), newFakeConn("bob"), newFakeConn("carol")

	// carol is on node B before alice joins, bob only afterwards
	join(t, nodeB, carol, "P1", "carol")
	join(t, nodeA, alice, "P1", "alice")
	time.Sleep(time.Millisecond)
	ack := join(t, nodeB, bob, "P1", "bob")
	m.MatchFrame(t, []byte(ack.Raw), m.MatchActiveUsers("carol", "alice", "bob"))
	m.MatchFrame(t, carol.mustTakeOne(t), m.MatchType("user-joined"), m.MatchUser("bob", "bob"))

	// alice's user-joined reaches node B only now
	slow.release(t)
	m.MatchFrame(t, carol.waitForFrames(t, 1)[0], m.MatchType("user-joined"), m.MatchUser("alice", "alice"))
	time.Sleep(20 * time.Millisecond)
	bob.mustTakeNone(t)

	// frames sent after bob joined reach him
	nodeA.HandleFrame(ctx, alice, testutils.CursorFrame(`{"x":1}`))
	slow.release(t)
	m.MatchFrame(t, bob.waitForFrames(t, 1)[0], m.MatchType("cursor-update"), m.MatchString("userId", "alice"))
	m.MatchFrame(t, carol.waitForFrames(t, 1)[0], m.MatchType("cursor-update"), m.MatchString("userId", "alice"))
}

func TestRelayOnRoomFrameUsesSentAt(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(nil)
	cache := NewParticipantsCache(time.Minute)
	relay := &Relay{nodeID: "B", registry: registry, rooms: rooms, cache: cache}
	early, late, unjoined := newFakeConn("early"), newFakeConn("late"), newFakeConn("unjoined")
	joinedAt := time.Now()
	registry.Register(early, Identity{ProjectID: "P1", UserID: "early", JoinedAt: joinedAt.Add(-time.Second)})
	registry.Register(late, Identity{ProjectID: "P1", UserID: "late", JoinedAt: joinedAt.Add(time.Second)})
	for _, c := range []*fakeConn{early, late, unjoined} {
		rooms.Join("P1", c)
	}

	frame := []byte(`{"type":"cursor-update","userId":"x"}`)
	relay.OnRoomFrame(&pubsub.RoomFrame{NodeID: "A", ProjectID: "P1", Frame: frame, SentAt: joinedAt})
	early.mustTakeOne(t)
	late.mustTakeNone(t)
	unjoined.mustTakeNone(t)

	// own frames are ignored
	relay.OnRoomFrame(&pubsub.RoomFrame{NodeID: "B", ProjectID: "P1", Frame: frame, SentAt: joinedAt.Add(time.Hour)})
	early.mustTakeNone(t)

	// frames without a timestamp go to every member
	relay.OnRoomFrame(&pubsub.RoomFrame{NodeID: "A", ProjectID: "P1", Frame: frame})
	early.mustTakeOne(t)
	late.mustTakeOne(t)
	unjoined.mustTakeOne(t)
}
