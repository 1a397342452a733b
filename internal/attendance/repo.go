package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jovidjumaev/fusas/internal/store"
)

// Repository persists attendance records in Postgres. The UNIQUE
// (session_id, student_id) constraint on the table is the final arbiter of
// the one-record-per-student invariant.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, student_id, status, minutes_late, recorded_at,
	device_fingerprint, network_origin,
	overridden_by, overridden_at, override_reason, previous_status`

// InsertIfAbsent writes rec unless the (session, student) pair already has a
// record. ON CONFLICT DO NOTHING plus a follow-up read keeps the losing
// concurrent attempt on the existing row instead of an error page.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, status, minutes_late, recorded_at,
			 device_fingerprint, network_origin)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.MinutesLate,
		rec.RecordedAt, nullIfEmpty(rec.DeviceFingerprint), nullIfEmpty(rec.NetworkOrigin))
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	existing, err := r.Get(ctx, rec.SessionID, rec.StudentID)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

// Get returns the record for a (session, student) pair.
func (r *Repository) Get(ctx context.Context, sessionID, studentID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return rec, nil
}

// ListBySession returns every record for a session.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return res, nil
}

// Override applies the one allowed instructor correction. The guard on
// overridden_at IS NULL makes a second override fail rather than overwrite
// the audit trail.
func (r *Repository) Override(ctx context.Context, sessionID, studentID string, status RecordStatus, by, reason string, at time.Time) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET previous_status = status,
		    status = $3,
		    overridden_by = $4,
		    overridden_at = $5,
		    override_reason = $6
		WHERE session_id = $1 AND student_id = $2 AND overridden_at IS NULL
		RETURNING `+recordColumns+`
	`, sessionID, studentID, status, by, at, reason)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if _, gerr := r.Get(ctx, sessionID, studentID); gerr != nil {
		return Record{}, gerr
	}
	return Record{}, ErrAlreadyOverridden
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var device, origin, by, reason, prev sql.NullString
	var overriddenAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MinutesLate,
		&rec.RecordedAt, &device, &origin, &by, &overriddenAt, &reason, &prev,
	)
	if err != nil {
		return Record{}, err
	}
	rec.DeviceFingerprint = device.String
	rec.NetworkOrigin = origin.String
	rec.OverriddenBy = by.String
	rec.OverrideReason = reason.String
	rec.PreviousStatus = RecordStatus(prev.String)
	if overriddenAt.Valid {
		t := overriddenAt.Time
		rec.OverriddenAt = &t
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
