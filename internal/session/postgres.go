package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jovidjumaev/fusas/internal/store"
)

// PostgresStore persists sessions in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, class_id, scheduled_date, scheduled_start, scheduled_end,
	status, is_active, current_token, token_expires_at,
	attendance_count, total_enrolled, activated_at, completed_at`

// Get returns a session by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions WHERE id = $1
	`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return sess, nil
}

// CompareAndSetStatus performs the guarded transition in a single UPDATE so
// the row itself arbitrates concurrent transitions.
func (s *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, expected []Status, next Status, fields Fields) (Session, error) {
	exp := make([]string, len(expected))
	for i, st := range expected {
		exp[i] = string(st)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE class_sessions
		SET status = $2,
		    is_active = $3,
		    current_token = $4,
		    token_expires_at = $5,
		    activated_at = COALESCE($6, activated_at),
		    completed_at = COALESCE($7, completed_at),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+sessionColumns+`
	`, id, string(next), next == StatusActive, fields.CurrentToken,
		fields.TokenExpiresAt, fields.ActivatedAt, fields.CompletedAt, exp)

	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	// No row matched: either the session is missing or its status changed
	// under us. Re-read to report which.
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return Session{}, gerr
	}
	return Session{}, ErrPreconditionFailed
}

// IncrementAttendanceCount bumps the denormalized counter atomically in SQL,
// never read-modify-write in application memory.
func (s *PostgresStore) IncrementAttendanceCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE class_sessions
		SET attendance_count = attendance_count + 1, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOpen returns sessions in the active/paused superstate.
func (s *PostgresStore) ListOpen(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM class_sessions
		WHERE status IN ('active', 'paused')
		ORDER BY activated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		res = append(res, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var token sql.NullString
	var tokenExp, activatedAt, completedAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.ClassID, &sess.ScheduledDate, &sess.ScheduledStart, &sess.ScheduledEnd,
		&sess.Status, &sess.IsActive, &token, &tokenExp,
		&sess.AttendanceCount, &sess.TotalEnrolled, &activatedAt, &completedAt,
	)
	if err != nil {
		return Session{}, err
	}
	sess.CurrentToken = token.String
	if tokenExp.Valid {
		t := tokenExp.Time
		sess.TokenExpiresAt = &t
	}
	if activatedAt.Valid {
		t := activatedAt.Time
		sess.ActivatedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}
