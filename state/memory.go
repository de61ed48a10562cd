package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySessions is a SessionsTable equivalent that keeps sessions in process memory.
// Used when no database is configured and by tests which don't need Postgres.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // insertion order, oldest first
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		sessions: make(map[string]*Session),
	}
}

func (m *MemorySessions) InsertSession(ctx context.Context, s *Session) error {
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
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; !exists {
		m.order = append(m.order, s.ID)
	}
	cpy := *s
	m.sessions[s.ID] = &cpy
	return nil
}

func (m *MemorySessions) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) error {
	if u.isEmpty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNoSuchSession
	}
	if u.LastActivity != nil {
		s.LastActivity = *u.LastActivity
	}
	if u.CursorPosition != nil {
		s.CursorPosition = u.CursorPosition
	}
	if u.Deactivate {
		s.IsActive = false
	}
	return nil
}

func (m *MemorySessions) ActiveSessions(ctx context.Context, projectID string) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.IsActive && s.ProjectID == projectID {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (m *MemorySessions) ReapSessions(ctx context.Context, olderThan time.Time) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.IsActive && s.LastActivity.Before(olderThan) {
			s.IsActive = false
			reaped = append(reaped, *s)
		}
	}
	return reaped, nil
}

func (m *MemorySessions) Session(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cpy := *s
	return &cpy, nil
}

func (m *MemorySessions) Ping(ctx context.Context) error {
	return nil
}

func (m *MemorySessions) Teardown() {}
