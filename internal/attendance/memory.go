package attendance

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRecordStore is an in-memory RecordStore for tests. The map insert
// happens under one lock, matching the atomicity of the database constraint.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]Record // keyed session|student
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]Record)}
}

func key(sessionID, studentID string) string { return sessionID + "|" + studentID }

func (m *MemoryRecordStore) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(rec.SessionID, rec.StudentID)
	if existing, ok := m.records[k]; ok {
		return existing, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	m.records[k] = rec
	return rec, true, nil
}

func (m *MemoryRecordStore) Get(ctx context.Context, sessionID, studentID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key(sessionID, studentID)]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryRecordStore) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (m *MemoryRecordStore) Override(ctx context.Context, sessionID, studentID string, status RecordStatus, by, reason string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(sessionID, studentID)
	rec, ok := m.records[k]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	if rec.OverriddenAt != nil {
		return Record{}, ErrAlreadyOverridden
	}
	rec.PreviousStatus = rec.Status
	rec.Status = status
	rec.OverriddenBy = by
	rec.OverrideReason = reason
	t := at
	rec.OverriddenAt = &t
	m.records[k] = rec
	return rec, nil
}
