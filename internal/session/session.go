// Package session implements the attendance session engine: the lifecycle
// state machine, the token rotation scheduler, and the stores they drive.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a class session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var (
	// ErrNotFound means no session exists with the given id.
	ErrNotFound = errors.New("session not found")
	// ErrPreconditionFailed means a lifecycle transition was attempted from
	// a state the transition table does not allow. The session is unchanged.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Session is one scheduled class meeting. Rows are created by the external
// scheduling process; the engine only transitions them.
type Session struct {
	ID             string
	ClassID        string
	ScheduledDate  time.Time
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Status         Status
	// IsActive caches status == active so dashboards can filter without
	// knowing the state machine.
	IsActive        bool
	CurrentToken    string
	TokenExpiresAt  *time.Time
	AttendanceCount int
	TotalEnrolled   int
	ActivatedAt     *time.Time
	CompletedAt     *time.Time
}

// Fields carries the columns a status transition writes alongside the new
// status. Nil pointers clear the column.
type Fields struct {
	CurrentToken   string
	TokenExpiresAt *time.Time
	ActivatedAt    *time.Time
	CompletedAt    *time.Time
}

// Store is the durable record of session state. The compare-and-set is the
// engine's only mutation path for status: a transition that lost a race
// observes ErrPreconditionFailed, never a partial write.
type Store interface {
	Get(ctx context.Context, id string) (Session, error)
	// CompareAndSetStatus atomically moves the session to next if its
	// current status is in expected, writing fields and the is_active cache
	// in the same statement. Returns the updated session.
	CompareAndSetStatus(ctx context.Context, id string, expected []Status, next Status, fields Fields) (Session, error)
	// IncrementAttendanceCount atomically bumps the denormalized counter.
	IncrementAttendanceCount(ctx context.Context, id string) error
	// ListOpen returns sessions still in the active/paused superstate,
	// used to re-arm hard timeouts after a restart.
	ListOpen(ctx context.Context) ([]Session, error)
}

// Reconciler back-fills absent records at completion. Implemented by the
// attendance package; declared here so the controller does not depend on it.
type Reconciler interface {
	Reconcile(ctx context.Context, s Session, completedAt time.Time) (created int, err error)
}
