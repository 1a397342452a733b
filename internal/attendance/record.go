// Package attendance records redemption outcomes: the recorder validates a
// scanned token and writes exactly one record per (session, student), and
// the reconciler back-fills absences at completion.
package attendance

import (
	"context"
	"errors"
	"time"
)

// RecordStatus is a student's outcome for one session.
type RecordStatus string

const (
	StatusPresent RecordStatus = "present"
	StatusLate    RecordStatus = "late"
	StatusAbsent  RecordStatus = "absent"
	StatusExcused RecordStatus = "excused"
)

var (
	// ErrMalformedToken means the scanned string is not a token at all.
	ErrMalformedToken = errors.New("malformed token")
	// ErrInvalidToken covers every verification failure. Expired and forged
	// tokens are deliberately indistinguishable to the client.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionNotOpen means the session is not accepting redemptions.
	// Covers paused, completed, cancelled, and unknown sessions uniformly.
	ErrSessionNotOpen = errors.New("session not open")
	// ErrNotEnrolled means the student has no active enrollment in the class.
	ErrNotEnrolled = errors.New("student not enrolled")
	// ErrAlreadyRecorded means a record already exists; the existing record
	// accompanies the error.
	ErrAlreadyRecorded = errors.New("attendance already recorded")
	// ErrRecordNotFound is returned by override for a missing record.
	ErrRecordNotFound = errors.New("attendance record not found")
	// ErrAlreadyOverridden means the record was corrected once already.
	ErrAlreadyOverridden = errors.New("attendance record already overridden")
)

// Record is one student's outcome for one session.
type Record struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	StudentID   string       `json:"student_id"`
	Status      RecordStatus `json:"status"`
	MinutesLate int          `json:"minutes_late"`
	RecordedAt  time.Time    `json:"recorded_at"`
	// Anti-abuse context, persisted opaque.
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	NetworkOrigin     string `json:"network_origin,omitempty"`
	// Audit trail for the single allowed instructor override.
	OverriddenBy   string       `json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time   `json:"overridden_at,omitempty"`
	OverrideReason string       `json:"override_reason,omitempty"`
	PreviousStatus RecordStatus `json:"previous_status,omitempty"`
}

// RecordStore persists attendance records. InsertIfAbsent is the uniqueness
// arbiter: concurrent redemptions for the same (session, student) resolve at
// the storage layer, never by an application-level read-then-write.
type RecordStore interface {
	// InsertIfAbsent writes rec unless a record already exists for its
	// (session, student) pair; it returns the stored record and whether
	// this call inserted it.
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	Get(ctx context.Context, sessionID, studentID string) (Record, error)
	// Override applies the single allowed instructor correction, audited.
	Override(ctx context.Context, sessionID, studentID string, status RecordStatus, by, reason string, at time.Time) (Record, error)
}
