package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/schemacraft/collabsync/sqlutil"
)

type sessionRow struct {
	ID             string    `db:"id"`
	ProjectID      string    `db:"project_id"`
	UserID         string    `db:"user_id"`
	Username       string    `db:"username"`
	CursorPosition []byte    `db:"cursor_position"`
	IsActive       bool      `db:"is_active"`
	LastActivity   time.Time `db:"last_activity"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *sessionRow) toSession() (Session, error) {
	cursor, err := DecodeCursor(r.CursorPosition)
	if err != nil {
		return Session{}, fmt.Errorf("session %s: %w", r.ID, err)
	}
	return Session{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		UserID:         r.UserID,
		Username:       r.Username,
		CursorPosition: cursor,
		IsActive:       r.IsActive,
		LastActivity:   r.LastActivity,
		CreatedAt:      r.CreatedAt,
	}, nil
}

func toSessions(rows []sessionRow) ([]Session, error) {
	sessions := make([]Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

const sessionColumns = `id, project_id, user_id, username, cursor_position, is_active, last_activity, created_at`

// SessionsTable stores who is (or was) collaborating on which project.
type SessionsTable struct {
	db *sqlx.DB

	selectActiveStmt *sqlx.Stmt
	deactivateStmt   *sqlx.Stmt
}

func NewSessionsTable(db *sqlx.DB) (*SessionsTable, error) {
	// make sure tables are made. The table name and column names match what the previous
	// service created, so an existing deployment's rows are adopted as-is.
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS collaboration_sessions (
		id VARCHAR PRIMARY KEY,
		project_id VARCHAR NOT NULL,
		user_id VARCHAR NOT NULL,
		username TEXT NOT NULL,
		cursor_position BYTEA,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_activity TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS collaboration_sessions_active_idx
		ON collaboration_sessions(project_id, created_at) WHERE is_active;
	CREATE INDEX IF NOT EXISTS collaboration_sessions_last_activity_idx
		ON collaboration_sessions(last_activity) WHERE is_active;
	`)
	t := &SessionsTable{db: db}
	err := sqlutil.StatementList{
		{&t.selectActiveStmt, `SELECT ` + sessionColumns + ` FROM collaboration_sessions
			WHERE project_id = $1 AND is_active ORDER BY created_at, id`},
		{&t.deactivateStmt, `UPDATE collaboration_sessions SET is_active = FALSE WHERE id = $1`},
	}.Prepare(db)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// InsertSession stores a new active session. If s.ID is empty a UUID is generated and
// written back into s, as are defaulted timestamps.
func (t *SessionsTable) InsertSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = now
	}
	s.IsActive = true
	cursor, err := EncodeCursor(s.CursorPosition)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO collaboration_sessions(`+sessionColumns+`)
		VALUES($1, $2, $3, $4, $5, TRUE, $6, $7)`,
		s.ID, s.ProjectID, s.UserID, s.Username, cursor, s.LastActivity, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertSession: %w", err)
	}
	return nil
}

// UpdateSession applies u to the session. Returns ErrNoSuchSession if no row matched.
func (t *SessionsTable) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) error {
	if u.isEmpty() {
		return nil
	}
	var res sql.Result
	var err error
	if u.Deactivate && u.LastActivity == nil && u.CursorPosition == nil {
		res, err = t.deactivateStmt.ExecContext(ctx, sessionID)
	} else {
		args := []interface{}{sessionID}
		var sets []string
		if u.LastActivity != nil {
			args = append(args, *u.LastActivity)
			sets = append(sets, fmt.Sprintf("last_activity = $%d", len(args)))
		}
		if u.CursorPosition != nil {
			cursor, cerr := EncodeCursor(u.CursorPosition)
			if cerr != nil {
				return cerr
			}
			args = append(args, cursor)
			sets = append(sets, fmt.Sprintf("cursor_position = $%d", len(args)))
		}
		if u.Deactivate {
			sets = append(sets, "is_active = FALSE")
		}
		res, err = t.db.ExecContext(ctx,
			`UPDATE collaboration_sessions SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...,
		)
	}
	if err != nil {
		return fmt.Errorf("UpdateSession: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateSession: %w", err)
	}
	if n == 0 {
		return ErrNoSuchSession
	}
	return nil
}

// ActiveSessions returns the active sessions for this project, oldest first.
func (t *SessionsTable) ActiveSessions(ctx context.Context, projectID string) ([]Session, error) {
	var rows []sessionRow
	if err := t.selectActiveStmt.SelectContext(ctx, &rows, projectID); err != nil {
		return nil, fmt.Errorf("ActiveSessions: %w", err)
	}
	return toSessions(rows)
}

// ReapSessions deactivates every active session whose last activity is before olderThan
// and returns them. Rows locked by a concurrent reaper on another instance are skipped
// rather than waited for, so each stale session is reported by exactly one instance.
func (t *SessionsTable) ReapSessions(ctx context.Context, olderThan time.Time) (reaped []Session, err error) {
	err = sqlutil.WithTransactionContext(ctx, t.db, func(txn *sqlx.Tx) error {
		var ids []string
		err := txn.SelectContext(ctx, &ids, `
			SELECT id FROM collaboration_sessions WHERE is_active AND last_activity < $1
			FOR UPDATE SKIP LOCKED`, olderThan,
		)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		var rows []sessionRow
		err = txn.SelectContext(ctx, &rows, `
			UPDATE collaboration_sessions SET is_active = FALSE WHERE id = ANY($1)
			RETURNING `+sessionColumns, pq.StringArray(ids),
		)
		if err != nil {
			return err
		}
		reaped, err = toSessions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ReapSessions: %w", err)
	}
	return reaped, nil
}

// Session returns the session with this ID, or nil if it does not exist.
func (t *SessionsTable) Session(ctx context.Context, sessionID string) (*Session, error) {
	var row sessionRow
	err := t.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM collaboration_sessions WHERE id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Session: %w", err)
	}
	s, err := row.toSession()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *SessionsTable) Teardown() {
	t.selectActiveStmt.Close()
	t.deactivateStmt.Close()
}
