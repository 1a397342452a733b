package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jovidjumaev/fusas/internal/clock"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/metrics"
	"github.com/jovidjumaev/fusas/internal/session"
	"github.com/jovidjumaev/fusas/internal/token"
)

// RedemptionContext carries the anti-abuse signals submitted with a scan.
// The engine persists them verbatim and never evaluates them.
type RedemptionContext struct {
	DeviceFingerprint string
	NetworkOrigin     string
}

// Recorder turns a valid token scan into exactly one attendance record.
type Recorder struct {
	codec      *token.Codec
	sessions   session.Store
	records    RecordStore
	enrollment EnrollmentLookup
	clk        clock.Clock
	bus        events.Bus
	grace      time.Duration
}

// EnrollmentLookup is the slice of the enrollment package the recorder needs.
type EnrollmentLookup interface {
	IsActivelyEnrolled(ctx context.Context, studentID, classID string) (bool, error)
	ListActiveStudents(ctx context.Context, classID string) ([]string, error)
}

// NewRecorder wires the recorder. grace is how long after the scheduled
// start a scan still counts as present.
func NewRecorder(codec *token.Codec, sessions session.Store, records RecordStore, enrollment EnrollmentLookup, clk clock.Clock, bus events.Bus, grace time.Duration) *Recorder {
	return &Recorder{
		codec:      codec,
		sessions:   sessions,
		records:    records,
		enrollment: enrollment,
		clk:        clk,
		bus:        bus,
		grace:      grace,
	}
}

// Redeem validates a scanned token and records attendance. Lateness is
// measured from the scheduled class start, not from activation: an
// instructor opening the window late does not excuse anyone.
//
// On a duplicate scan the existing record is returned alongside
// ErrAlreadyRecorded; nothing past the uniqueness check runs, so counters
// cannot inflate.
func (r *Recorder) Redeem(ctx context.Context, tokenString, studentID string, rc RedemptionContext) (Record, error) {
	if studentID == "" {
		metrics.Redemptions.WithLabelValues("malformed_token").Inc()
		return Record{}, fmt.Errorf("%w: student id required", ErrMalformedToken)
	}

	now := r.clk.Now()
	sessionID, err := r.codec.Verify(tokenString, now)
	if err != nil {
		if errors.Is(err, token.ErrMalformed) {
			metrics.Redemptions.WithLabelValues("malformed_token").Inc()
			return Record{}, ErrMalformedToken
		}
		// Expired and forged collapse to one client-visible error so the
		// response can't be used as an oracle against the signing key.
		metrics.Redemptions.WithLabelValues("invalid_token").Inc()
		return Record{}, ErrInvalidToken
	}

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			metrics.Redemptions.WithLabelValues("session_not_open").Inc()
			return Record{}, ErrSessionNotOpen
		}
		return Record{}, err
	}
	if sess.Status != session.StatusActive {
		metrics.Redemptions.WithLabelValues("session_not_open").Inc()
		return Record{}, ErrSessionNotOpen
	}

	enrolled, err := r.enrollment.IsActivelyEnrolled(ctx, studentID, sess.ClassID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		metrics.Redemptions.WithLabelValues("not_enrolled").Inc()
		return Record{}, ErrNotEnrolled
	}

	minutesLate := lateness(now, sess.ScheduledStart)
	status := StatusPresent
	if time.Duration(minutesLate)*time.Minute > r.grace {
		status = StatusLate
	} else {
		// Inside the grace period the scan counts as fully on time.
		minutesLate = 0
	}

	rec, inserted, err := r.records.InsertIfAbsent(ctx, Record{
		SessionID:         sessionID,
		StudentID:         studentID,
		Status:            status,
		MinutesLate:       minutesLate,
		RecordedAt:        now,
		DeviceFingerprint: rc.DeviceFingerprint,
		NetworkOrigin:     rc.NetworkOrigin,
	})
	if err != nil {
		metrics.Redemptions.WithLabelValues("error").Inc()
		return Record{}, err
	}
	if !inserted {
		metrics.Redemptions.WithLabelValues("already_recorded").Inc()
		return rec, ErrAlreadyRecorded
	}

	if err := r.sessions.IncrementAttendanceCount(ctx, sessionID); err != nil {
		log.Printf("redeem: increment count for %s: %v", sessionID, err)
	}
	metrics.Redemptions.WithLabelValues(string(status)).Inc()

	payload := events.Marshal(map[string]any{
		"student_id":   rec.StudentID,
		"status":       rec.Status,
		"minutes_late": rec.MinutesLate,
		"recorded_at":  rec.RecordedAt,
	})
	evt := events.Event{Type: "attendance.recorded", SessionID: sessionID, ClassID: sess.ClassID, Payload: payload}
	if err := r.bus.Publish(ctx, events.SessionTopic(sessionID), evt); err != nil {
		log.Printf("redeem: publish for %s: %v", sessionID, err)
	}
	if err := r.bus.Publish(ctx, events.DashboardTopic(sess.ClassID), evt); err != nil {
		log.Printf("redeem: publish dashboard for %s: %v", sess.ClassID, err)
	}
	return rec, nil
}

// Override applies the single audited instructor correction to a record.
func (r *Recorder) Override(ctx context.Context, sessionID, studentID string, status RecordStatus, by, reason string) (Record, error) {
	switch status {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
	default:
		return Record{}, fmt.Errorf("invalid override status %q", status)
	}
	return r.records.Override(ctx, sessionID, studentID, status, by, reason, r.clk.Now())
}

// lateness is whole minutes past the scheduled start, clamped at zero.
func lateness(now, scheduledStart time.Time) int {
	d := now.Sub(scheduledStart)
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}
