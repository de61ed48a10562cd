package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/complement/must"
)

// sessionStore is what both SessionsTable and MemorySessions provide, so the same
// assertions can run against each.
type sessionStore interface {
	InsertSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) error
	ActiveSessions(ctx context.Context, projectID string) ([]Session, error)
	ReapSessions(ctx context.Context, olderThan time.Time) ([]Session, error)
	Session(ctx context.Context, sessionID string) (*Session, error)
}

func newSessionsTable(t *testing.T) (*SessionsTable, func()) {
	db, close := connectToDB(t)
	table, err := NewSessionsTable(db)
	must.NotError(t, "NewSessionsTable", err)
	return table, func() {
		table.Teardown()
		close()
	}
}

func TestSessionsTableInsertAndSelect(t *testing.T) {
	table, close := newSessionsTable(t)
	defer close()
	testInsertAndSelect(t, table)
}

func TestSessionsTableUpdate(t *testing.T) {
	table, close := newSessionsTable(t)
	defer close()
	testUpdate(t, table)
}

func TestSessionsTableReap(t *testing.T) {
	table, close := newSessionsTable(t)
	defer close()
	testReap(t, table)
}

func TestSessionsTableAdoptsRowsWithoutCursor(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table, err := NewSessionsTable(db)
	must.NotError(t, "NewSessionsTable", err)
	defer table.Teardown()

	// rows written by hand (e.g. by a previous deployment) rely on column defaults
	projectID := "project-" + uuid.NewString()
	id := uuid.NewString()
	_, err = db.Exec(`INSERT INTO collaboration_sessions(id, project_id, user_id, username) VALUES($1, $2, 'u1', 'Ann')`, id, projectID)
	must.NotError(t, "raw insert", err)

	active, err := table.ActiveSessions(context.Background(), projectID)
	must.NotError(t, "ActiveSessions", err)
	must.Equal(t, len(active), 1, "active sessions")
	must.Equal(t, active[0].ID, id, "session id")
	must.Equal(t, active[0].IsActive, true, "defaulted is_active")
	if active[0].CursorPosition != nil {
		t.Fatalf("expected nil cursor, got %s", string(active[0].CursorPosition))
	}
}

func testInsertAndSelect(t *testing.T, store sessionStore) {
	t.Helper()
	ctx := context.Background()
	projectID := "project-" + uuid.NewString()
	otherProjectID := "project-" + uuid.NewString()

	alice := &Session{ProjectID: projectID, UserID: "u1", Username: "Ann"}
	must.NotError(t, "insert alice", store.InsertSession(ctx, alice))
	if alice.ID == "" {
		t.Fatalf("InsertSession did not assign an ID")
	}
	must.Equal(t, alice.IsActive, true, "alice active")
	if alice.CreatedAt.IsZero() || alice.LastActivity.IsZero() {
		t.Fatalf("InsertSession did not default timestamps: %+v", alice)
	}

	// the same user may join twice, e.g. from two tabs
	aliceAgain := &Session{ProjectID: projectID, UserID: "u1", Username: "Ann", CreatedAt: alice.CreatedAt.Add(time.Second)}
	must.NotError(t, "insert alice again", store.InsertSession(ctx, aliceAgain))
	bob := &Session{ProjectID: otherProjectID, UserID: "u2", Username: "Bob"}
	must.NotError(t, "insert bob", store.InsertSession(ctx, bob))
	must.NotEqual(t, alice.ID, aliceAgain.ID, "session IDs must be unique")

	active, err := store.ActiveSessions(ctx, projectID)
	must.NotError(t, "ActiveSessions", err)
	must.Equal(t, len(active), 2, "active sessions in project")
	must.Equal(t, active[0].ID, alice.ID, "oldest first")
	must.Equal(t, active[1].ID, aliceAgain.ID, "newest last")
	must.Equal(t, active[0].Username, "Ann", "username")

	active, err = store.ActiveSessions(ctx, "project-"+uuid.NewString())
	must.NotError(t, "ActiveSessions unknown project", err)
	must.Equal(t, len(active), 0, "unknown project has no sessions")

	got, err := store.Session(ctx, bob.ID)
	must.NotError(t, "Session", err)
	must.Equal(t, got.ProjectID, otherProjectID, "bob project")
	got, err = store.Session(ctx, uuid.NewString())
	must.NotError(t, "Session unknown", err)
	if got != nil {
		t.Fatalf("expected nil for unknown session, got %+v", got)
	}
}

func testUpdate(t *testing.T, store sessionStore) {
	t.Helper()
	ctx := context.Background()
	projectID := "project-" + uuid.NewString()
	s := &Session{ProjectID: projectID, UserID: "u1", Username: "Ann"}
	must.NotError(t, "insert", store.InsertSession(ctx, s))

	// empty updates are a no-op, even for unknown sessions
	must.NotError(t, "empty update", store.UpdateSession(ctx, uuid.NewString(), SessionUpdate{}))

	// Postgres keeps microseconds
	later := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	err := store.UpdateSession(ctx, s.ID, SessionUpdate{
		LastActivity:   &later,
		CursorPosition: json.RawMessage(`{"x":12,"y":40}`),
	})
	must.NotError(t, "heartbeat update", err)
	got, err := store.Session(ctx, s.ID)
	must.NotError(t, "Session", err)
	must.Equal(t, got.LastActivity.Equal(later), true, "last activity moved forward")
	must.Equal(t, string(got.CursorPosition), `{"x":12,"y":40}`, "cursor")

	// updating only the activity leaves the cursor alone
	later = later.Add(time.Minute)
	must.NotError(t, "touch", store.UpdateSession(ctx, s.ID, SessionUpdate{LastActivity: &later}))
	got, err = store.Session(ctx, s.ID)
	must.NotError(t, "Session", err)
	must.Equal(t, string(got.CursorPosition), `{"x":12,"y":40}`, "cursor kept")

	must.NotError(t, "deactivate", store.UpdateSession(ctx, s.ID, SessionUpdate{Deactivate: true}))
	active, err := store.ActiveSessions(ctx, projectID)
	must.NotError(t, "ActiveSessions", err)
	must.Equal(t, len(active), 0, "deactivated sessions are not listed")
	got, err = store.Session(ctx, s.ID)
	must.NotError(t, "Session", err)
	must.Equal(t, got.IsActive, false, "row is kept but inactive")

	err = store.UpdateSession(ctx, uuid.NewString(), SessionUpdate{Deactivate: true})
	must.Equal(t, errors.Is(err, ErrNoSuchSession), true, "unknown session error")
}

func testReap(t *testing.T, store sessionStore) {
	t.Helper()
	ctx := context.Background()
	projectID := "project-" + uuid.NewString()
	base := time.Date(2001, 1, 1, 12, 0, 0, 0, time.UTC)

	stale := &Session{ProjectID: projectID, UserID: "u1", Username: "Ann", LastActivity: base, CreatedAt: base}
	fresh := &Session{ProjectID: projectID, UserID: "u2", Username: "Bob", LastActivity: base.Add(10 * time.Minute), CreatedAt: base}
	gone := &Session{ProjectID: projectID, UserID: "u3", Username: "Cat", LastActivity: base, CreatedAt: base}
	for _, s := range []*Session{stale, fresh, gone} {
		must.NotError(t, "insert", store.InsertSession(ctx, s))
	}
	must.NotError(t, "deactivate", store.UpdateSession(ctx, gone.ID, SessionUpdate{Deactivate: true}))

	reaped, err := store.ReapSessions(ctx, base.Add(5*time.Minute))
	must.NotError(t, "ReapSessions", err)
	var reapedIDs []string
	for _, s := range reaped {
		if s.ProjectID == projectID {
			reapedIDs = append(reapedIDs, s.ID)
			must.Equal(t, s.IsActive, false, "reaped session is inactive")
		}
	}
	must.Equal(t, len(reapedIDs), 1, "one stale session reaped")
	must.Equal(t, reapedIDs[0], stale.ID, "the stale session is reaped")

	active, err := store.ActiveSessions(ctx, projectID)
	must.NotError(t, "ActiveSessions", err)
	must.Equal(t, len(active), 1, "one session left")
	must.Equal(t, active[0].ID, fresh.ID, "fresh session survives")

	// reaping again finds nothing new in this project
	reaped, err = store.ReapSessions(ctx, base.Add(5*time.Minute))
	must.NotError(t, "ReapSessions again", err)
	for _, s := range reaped {
		must.NotEqual(t, s.ProjectID, projectID, "already reaped")
	}
}
