package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jovidjumaev/fusas/internal/clock"
	"github.com/jovidjumaev/fusas/internal/enrollment"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/session"
	"github.com/jovidjumaev/fusas/internal/token"
)

var classStart = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	codec    *token.Codec
	sessions *session.MemoryStore
	records  *MemoryRecordStore
	enrolled *enrollment.MemoryLookup
	clk      *clock.Fake
	bus      *events.MemoryBus
	recorder *Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := token.NewCodec("test-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	f := &fixture{
		codec:    codec,
		sessions: session.NewMemoryStore(),
		records:  NewMemoryRecordStore(),
		enrolled: enrollment.NewMemoryLookup(),
		clk:      clock.NewFake(classStart),
		bus:      events.NewMemoryBus(),
	}
	f.recorder = NewRecorder(codec, f.sessions, f.records, f.enrolled, f.clk, f.bus, 5*time.Minute)
	return f
}

// openSession seeds an active session whose scheduled start is classStart
// and returns a token valid at the fake clock's current time.
func (f *fixture) openSession(t *testing.T, id string) string {
	t.Helper()
	f.sessions.Put(session.Session{
		ID:             id,
		ClassID:        "class-1",
		ScheduledStart: classStart,
		ScheduledEnd:   classStart.Add(50 * time.Minute),
		Status:         session.StatusActive,
		IsActive:       true,
	})
	tok, err := f.codec.Issue(id, f.clk.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token.Encode(tok)
}

func TestRedeemOnTime(t *testing.T) {
	f := newFixture(t)
	f.enrolled.Enroll("class-1", "alice")
	f.clk.Advance(2 * time.Minute)
	tok := f.openSession(t, "s1")

	rec, err := f.recorder.Redeem(context.Background(), tok, "alice", RedemptionContext{DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if rec.Status != StatusPresent {
		t.Errorf("status = %s, want present", rec.Status)
	}
	if rec.MinutesLate != 0 {
		t.Errorf("minutes_late = %d, want 0 inside grace", rec.MinutesLate)
	}
	if rec.DeviceFingerprint != "fp-1" {
		t.Errorf("fingerprint not persisted: %q", rec.DeviceFingerprint)
	}

	sess, _ := f.sessions.Get(context.Background(), "s1")
	if sess.AttendanceCount != 1 {
		t.Errorf("attendance_count = %d, want 1", sess.AttendanceCount)
	}
}

func TestLatenessAgainstScheduledStart(t *testing.T) {
	tests := []struct {
		name        string
		afterStart  time.Duration
		wantStatus  RecordStatus
		wantMinutes int
	}{
		{"two minutes in", 2 * time.Minute, StatusPresent, 0},
		{"at grace boundary", 5 * time.Minute, StatusPresent, 0},
		{"six minutes late", 6 * time.Minute, StatusLate, 6},
		{"nine minutes late", 9 * time.Minute, StatusLate, 9},
		{"partial minute rounds down", 6*time.Minute + 59*time.Second, StatusLate, 6},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.enrolled.Enroll("class-1", "alice")
			f.clk.Advance(tc.afterStart)
			tok := f.openSession(t, "s1")

			rec, err := f.recorder.Redeem(context.Background(), tok, "alice", RedemptionContext{})
			if err != nil {
				t.Fatalf("Redeem: %v", err)
			}
			if rec.Status != tc.wantStatus || rec.MinutesLate != tc.wantMinutes {
				t.Errorf("got %s/%d, want %s/%d", rec.Status, rec.MinutesLate, tc.wantStatus, tc.wantMinutes)
			}
		})
	}
}

func TestRedeemErrorTaxonomy(t *testing.T) {
	t.Run("malformed token", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.recorder.Redeem(context.Background(), "garbage", "alice", RedemptionContext{}); !errors.Is(err, ErrMalformedToken) {
			t.Errorf("got %v, want ErrMalformedToken", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		f := newFixture(t)
		f.enrolled.Enroll("class-1", "alice")
		tok := f.openSession(t, "s1")
		f.clk.Advance(31 * time.Second)
		if _, err := f.recorder.Redeem(context.Background(), tok, "alice", RedemptionContext{}); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("forged token", func(t *testing.T) {
		f := newFixture(t)
		f.enrolled.Enroll("class-1", "alice")
		f.openSession(t, "s1")
		forger, _ := token.NewCodec("wrong-secret", 30*time.Second)
		forged, _ := forger.Issue("s1", f.clk.Now())
		_, err := f.recorder.Redeem(context.Background(), token.Encode(forged), "alice", RedemptionContext{})
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t)
		tok, _ := f.codec.Issue("ghost", f.clk.Now())
		if _, err := f.recorder.Redeem(context.Background(), token.Encode(tok), "alice", RedemptionContext{}); !errors.Is(err, ErrSessionNotOpen) {
			t.Errorf("got %v, want ErrSessionNotOpen", err)
		}
	})

	t.Run("paused session", func(t *testing.T) {
		f := newFixture(t)
		f.enrolled.Enroll("class-1", "alice")
		tok := f.openSession(t, "s1")
		f.sessions.CompareAndSetStatus(context.Background(), "s1",
			[]session.Status{session.StatusActive}, session.StatusPaused, session.Fields{})
		if _, err := f.recorder.Redeem(context.Background(), tok, "alice", RedemptionContext{}); !errors.Is(err, ErrSessionNotOpen) {
			t.Errorf("got %v, want ErrSessionNotOpen", err)
		}
	})

	t.Run("not enrolled", func(t *testing.T) {
		f := newFixture(t)
		tok := f.openSession(t, "s1")
		if _, err := f.recorder.Redeem(context.Background(), tok, "mallory", RedemptionContext{}); !errors.Is(err, ErrNotEnrolled) {
			t.Errorf("got %v, want ErrNotEnrolled", err)
		}
	})
}

func TestDuplicateRedeemReturnsExistingRecord(t *testing.T) {
	f := newFixture(t)
	f.enrolled.Enroll("class-1", "alice")
	tok := f.openSession(t, "s1")
	ctx := context.Background()

	first, err := f.recorder.Redeem(ctx, tok, "alice", RedemptionContext{})
	if err != nil {
		t.Fatalf("first Redeem: %v", err)
	}

	dup, err := f.recorder.Redeem(ctx, tok, "alice", RedemptionContext{})
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("got %v, want ErrAlreadyRecorded", err)
	}
	if dup.ID != first.ID {
		t.Error("duplicate redeem should return the original record")
	}

	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.AttendanceCount != 1 {
		t.Errorf("duplicate redeem inflated the counter: %d", sess.AttendanceCount)
	}
}

func TestConcurrentRedeemsRecordExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.enrolled.Enroll("class-1", "alice")
	tok := f.openSession(t, "s1")
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.recorder.Redeem(ctx, tok, "alice", RedemptionContext{})
		}(i)
	}
	wg.Wait()

	wins, dups := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyRecorded):
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || dups != attempts-1 {
		t.Errorf("wins=%d dups=%d, want 1/%d", wins, dups, attempts-1)
	}

	sess, _ := f.sessions.Get(ctx, "s1")
	if sess.AttendanceCount != 1 {
		t.Errorf("attendance_count = %d, want 1", sess.AttendanceCount)
	}
}

func TestRedeemPublishesEvents(t *testing.T) {
	f := newFixture(t)
	f.enrolled.Enroll("class-1", "alice")
	tok := f.openSession(t, "s1")

	if _, err := f.recorder.Redeem(context.Background(), tok, "alice", RedemptionContext{}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	topics := make(map[string]int)
	for _, pub := range f.bus.Published() {
		if pub.Event.Type == "attendance.recorded" {
			topics[pub.Topic]++
		}
	}
	if topics[events.SessionTopic("s1")] != 1 {
		t.Error("expected one attendance event on the session topic")
	}
	if topics[events.DashboardTopic("class-1")] != 1 {
		t.Error("expected one attendance event on the dashboard topic")
	}
}

func TestOverrideIsAuditedAndSingleShot(t *testing.T) {
	f := newFixture(t)
	f.enrolled.Enroll("class-1", "alice")
	tok := f.openSession(t, "s1")
	ctx := context.Background()

	if _, err := f.recorder.Redeem(ctx, tok, "alice", RedemptionContext{}); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	rec, err := f.recorder.Override(ctx, "s1", "alice", StatusExcused, "prof-1", "doctor's note")
	if err != nil {
		t.Fatalf("Override: %v", err)
	}
	if rec.Status != StatusExcused || rec.PreviousStatus != StatusPresent {
		t.Errorf("override got %s (prev %s), want excused (prev present)", rec.Status, rec.PreviousStatus)
	}
	if rec.OverriddenBy != "prof-1" || rec.OverriddenAt == nil {
		t.Error("override must record who and when")
	}

	if _, err := f.recorder.Override(ctx, "s1", "alice", StatusPresent, "prof-1", "changed my mind"); !errors.Is(err, ErrAlreadyOverridden) {
		t.Errorf("second override: got %v, want ErrAlreadyOverridden", err)
	}

	if _, err := f.recorder.Override(ctx, "s1", "bob", StatusExcused, "prof-1", "note"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("override missing record: got %v, want ErrRecordNotFound", err)
	}

	if _, err := f.recorder.Override(ctx, "s1", "alice", RecordStatus("banana"), "prof-1", "nope"); err == nil {
		t.Error("invalid status should be rejected")
	}
}
