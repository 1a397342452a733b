package session

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node dev runs. Its
// CAS holds the store lock across the check and the write, matching the
// atomicity the Postgres UPDATE provides.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

// Put seeds a session, standing in for the external scheduling process.
func (m *MemoryStore) Put(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, expected []Status, next Status, fields Fields) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	matched := false
	for _, st := range expected {
		if s.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return Session{}, ErrPreconditionFailed
	}
	s.Status = next
	s.IsActive = next == StatusActive
	s.CurrentToken = fields.CurrentToken
	s.TokenExpiresAt = fields.TokenExpiresAt
	if fields.ActivatedAt != nil {
		s.ActivatedAt = fields.ActivatedAt
	}
	if fields.CompletedAt != nil {
		s.CompletedAt = fields.CompletedAt
	}
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) IncrementAttendanceCount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.AttendanceCount++
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Session
	for _, s := range m.sessions {
		if s.Status == StatusActive || s.Status == StatusPaused {
			res = append(res, s)
		}
	}
	return res, nil
}
