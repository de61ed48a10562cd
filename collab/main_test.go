package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/schemacraft/collabsync/state"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

type fakeConn struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	closing bool
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) setClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// take returns and clears the frames received so far.
func (c *fakeConn) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames
	c.frames = nil
	return frames
}

func (c *fakeConn) mustTakeOne(t *testing.T) []byte {
	t.Helper()
	frames := c.take()
	if len(frames) != 1 {
		t.Fatalf("%s: got %d frames, want 1: %s", c.id, len(frames), dumpFrames(frames))
	}
	return frames[0]
}

func (c *fakeConn) mustTakeNone(t *testing.T) {
	t.Helper()
	if frames := c.take(); len(frames) != 0 {
		t.Fatalf("%s: got %d frames, want none: %s", c.id, len(frames), dumpFrames(frames))
	}
}

// waitForFrames polls until n frames have arrived, for frames delivered asynchronously.
func (c *fakeConn) waitForFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.frames)
		c.mu.Unlock()
		if got >= n {
			return c.take()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s: timed out waiting for %d frames, got %s", c.id, n, dumpFrames(c.take()))
	return nil
}

func dumpFrames(frames [][]byte) string {
	s := ""
	for _, f := range frames {
		s += "\n  " + string(f)
	}
	return s
}

var errStoreDown = errors.New("store is down")

// failingStore wraps a MemorySessions and fails whichever operations are switched on.
type failingStore struct {
	*state.MemorySessions
	mu         sync.Mutex
	failInsert bool
	failUpdate bool
	failSelect bool
	failReap   bool
	reapCalls  int
	// runs once, inside the next ActiveSessions after the sessions were read
	afterSelect func()
}

func newFailingStore() *failingStore {
	return &failingStore{MemorySessions: state.NewMemorySessions()}
}

func (s *failingStore) InsertSession(ctx context.Context, sess *state.Session) error {
	s.mu.Lock()
	fail := s.failInsert
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemorySessions.InsertSession(ctx, sess)
}

func (s *failingStore) UpdateSession(ctx context.Context, id string, u state.SessionUpdate) error {
	s.mu.Lock()
	fail := s.failUpdate
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemorySessions.UpdateSession(ctx, id, u)
}

func (s *failingStore) ActiveSessions(ctx context.Context, projectID string) ([]state.Session, error) {
	s.mu.Lock()
	fail := s.failSelect
	after := s.afterSelect
	s.afterSelect = nil
	s.mu.Unlock()
	if fail {
		return nil, errStoreDown
	}
	sessions, err := s.MemorySessions.ActiveSessions(ctx, projectID)
	if after != nil {
		after()
	}
	return sessions, err
}

func (s *failingStore) ReapSessions(ctx context.Context, olderThan time.Time) ([]state.Session, error) {
	s.mu.Lock()
	s.reapCalls++
	fail := s.failReap
	s.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("reap: %w", errStoreDown)
	}
	return s.MemorySessions.ReapSessions(ctx, olderThan)
}

func (s *failingStore) numReapCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapCalls
}
