// Package enrollment answers class-membership questions for the engine.
// Enrollment bookkeeping itself lives in the catalog layer.
package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jovidjumaev/fusas/internal/store"
)

// Lookup is the engine's view of enrollment.
type Lookup interface {
	IsActivelyEnrolled(ctx context.Context, studentID, classID string) (bool, error)
	ListActiveStudents(ctx context.Context, classID string) ([]string, error)
}

// PostgresLookup reads the catalog's enrollments table.
type PostgresLookup struct {
	db *sql.DB
}

func NewPostgresLookup(db *sql.DB) *PostgresLookup {
	return &PostgresLookup{db: db}
}

func (l *PostgresLookup) IsActivelyEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE student_id = $1 AND class_id = $2 AND status = 'active'
		)
	`, studentID, classID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return exists, nil
}

func (l *PostgresLookup) ListActiveStudents(ctx context.Context, classID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments
		WHERE class_id = $1 AND status = 'active'
		ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()
	var students []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		students = append(students, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return students, nil
}

// MemoryLookup is an in-memory Lookup for tests.
type MemoryLookup struct {
	mu      sync.Mutex
	byClass map[string][]string
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{byClass: make(map[string][]string)}
}

// Enroll registers a student as actively enrolled.
func (l *MemoryLookup) Enroll(classID string, studentIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byClass[classID] = append(l.byClass[classID], studentIDs...)
}

func (l *MemoryLookup) IsActivelyEnrolled(ctx context.Context, studentID, classID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.byClass[classID] {
		if id == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (l *MemoryLookup) ListActiveStudents(ctx context.Context, classID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.byClass[classID]...), nil
}
