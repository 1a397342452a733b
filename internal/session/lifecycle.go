package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jovidjumaev/fusas/internal/clock"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/metrics"
	"github.com/jovidjumaev/fusas/internal/token"
)

// Controller drives the session state machine:
//
//	scheduled -> active <-> paused -> completed
//	scheduled|active|paused -> cancelled
//
// Every transition is a store-level compare-and-set; a transition from the
// wrong source state returns ErrPreconditionFailed with no side effects.
type Controller struct {
	store   Store
	codec   *token.Codec
	rotator *Rotator
	clk     clock.Clock
	bus     events.Bus
	recon   Reconciler
	timeout time.Duration
}

// NewController wires the controller. timeout is the hard auto-completion
// deadline measured from activation.
func NewController(store Store, codec *token.Codec, rotator *Rotator, clk clock.Clock, bus events.Bus, recon Reconciler, timeout time.Duration) *Controller {
	return &Controller{
		store:   store,
		codec:   codec,
		rotator: rotator,
		clk:     clk,
		bus:     bus,
		recon:   recon,
		timeout: timeout,
	}
}

// Activate opens a scheduled session: issues the first token, starts
// rotation, and arms the hard timeout.
func (c *Controller) Activate(ctx context.Context, id string) (Session, error) {
	now := c.clk.Now()
	t, err := c.codec.Issue(id, now)
	if err != nil {
		return Session{}, err
	}
	exp := t.ExpiresAt
	sess, err := c.store.CompareAndSetStatus(ctx, id,
		[]Status{StatusScheduled}, StatusActive,
		Fields{CurrentToken: token.Encode(t), TokenExpiresAt: &exp, ActivatedAt: &now})
	if err != nil {
		return Session{}, err
	}

	c.rotator.Start(id)
	c.armTimeout(id, c.timeout)
	c.publishLifecycle(ctx, sess, "session.activated")
	return sess, nil
}

// Pause suspends redemption. Rotation stops and the current token is
// cleared; the hard timeout stays armed.
func (c *Controller) Pause(ctx context.Context, id string) (Session, error) {
	c.rotator.Stop(id)
	sess, err := c.store.CompareAndSetStatus(ctx, id,
		[]Status{StatusActive}, StatusPaused, Fields{})
	if err != nil {
		// The stop above was a no-op for any state rotation wasn't running
		// in, so a failed CAS really is side-effect free.
		return Session{}, err
	}
	c.publishLifecycle(ctx, sess, "session.paused")
	return sess, nil
}

// Resume reopens a paused session with a fresh token.
func (c *Controller) Resume(ctx context.Context, id string) (Session, error) {
	now := c.clk.Now()
	t, err := c.codec.Issue(id, now)
	if err != nil {
		return Session{}, err
	}
	exp := t.ExpiresAt
	sess, err := c.store.CompareAndSetStatus(ctx, id,
		[]Status{StatusPaused}, StatusActive,
		Fields{CurrentToken: token.Encode(t), TokenExpiresAt: &exp})
	if err != nil {
		return Session{}, err
	}
	c.rotator.Start(id)
	c.publishLifecycle(ctx, sess, "session.resumed")
	return sess, nil
}

// Complete closes an open session and reconciles attendance: every enrolled
// student without a record gets an absent one.
func (c *Controller) Complete(ctx context.Context, id string) (Session, error) {
	c.rotator.Stop(id)
	now := c.clk.Now()
	sess, err := c.store.CompareAndSetStatus(ctx, id,
		[]Status{StatusActive, StatusPaused}, StatusCompleted,
		Fields{CompletedAt: &now})
	if err != nil {
		return Session{}, err
	}

	if c.recon != nil {
		created, err := c.recon.Reconcile(ctx, sess, now)
		if err != nil {
			// The session is already completed; reconciliation failures are
			// surfaced but do not roll the transition back.
			return sess, fmt.Errorf("session %s completed, reconciliation: %w", id, err)
		}
		if created > 0 {
			metrics.ReconciledAbsent.Add(float64(created))
		}
	}
	c.publishLifecycle(ctx, sess, "session.completed")
	return sess, nil
}

// Cancel voids a session. Cancelled sessions carry no attendance
// obligation, so no reconciliation runs.
func (c *Controller) Cancel(ctx context.Context, id string) (Session, error) {
	c.rotator.Stop(id)
	sess, err := c.store.CompareAndSetStatus(ctx, id,
		[]Status{StatusScheduled, StatusActive, StatusPaused}, StatusCancelled, Fields{})
	if err != nil {
		return Session{}, err
	}
	c.publishLifecycle(ctx, sess, "session.cancelled")
	return sess, nil
}

// ResumeTimeouts re-arms hard timeouts for sessions still open, called once
// at startup. Rotation restarts for active sessions as well. Deadlines that
// already passed fire immediately.
func (c *Controller) ResumeTimeouts(ctx context.Context) error {
	open, err := c.store.ListOpen(ctx)
	if err != nil {
		return err
	}
	now := c.clk.Now()
	for _, sess := range open {
		if sess.Status == StatusActive {
			c.rotator.Start(sess.ID)
		}
		remaining := c.timeout
		if sess.ActivatedAt != nil {
			remaining = sess.ActivatedAt.Add(c.timeout).Sub(now)
		}
		if remaining < 0 {
			remaining = 0
		}
		c.armTimeout(sess.ID, remaining)
	}
	return nil
}

// armTimeout schedules auto-completion. The callback is not cancelled on
// manual completion; it relies on the completion CAS being a no-op once the
// session has left the open superstate.
func (c *Controller) armTimeout(id string, d time.Duration) {
	c.clk.After(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.Complete(ctx, id); err != nil {
			if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrNotFound) {
				return // already closed, idempotent no-op
			}
			log.Printf("session %s: auto-complete: %v", id, err)
		} else {
			log.Printf("session %s: auto-completed after %s", id, c.timeout)
		}
	})
}

func (c *Controller) publishLifecycle(ctx context.Context, sess Session, typ string) {
	evt := events.Event{
		Type:      typ,
		SessionID: sess.ID,
		ClassID:   sess.ClassID,
		Payload: events.Marshal(map[string]any{
			"status":           sess.Status,
			"is_active":        sess.IsActive,
			"attendance_count": sess.AttendanceCount,
			"total_enrolled":   sess.TotalEnrolled,
		}),
	}
	if err := c.bus.Publish(ctx, events.SessionTopic(sess.ID), evt); err != nil {
		log.Printf("session %s: publish %s: %v", sess.ID, typ, err)
	}
	if err := c.bus.Publish(ctx, events.DashboardTopic(sess.ClassID), evt); err != nil {
		log.Printf("session %s: publish %s to dashboard: %v", sess.ID, typ, err)
	}
}
