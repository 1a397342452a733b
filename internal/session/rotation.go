package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jovidjumaev/fusas/internal/clock"
	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/metrics"
	"github.com/jovidjumaev/fusas/internal/token"
)

// Rotator reissues a session's current token every validity window while the
// session is active. One timer exists per session, held in an explicit
// registry; Start is idempotent and Stop halts ticks synchronously so a
// lifecycle transition can never race a tick into a closed session.
type Rotator struct {
	codec *token.Codec
	store Store
	clk   clock.Clock
	bus   events.Bus

	mu      sync.Mutex
	running map[string]func()
}

func NewRotator(codec *token.Codec, store Store, clk clock.Clock, bus events.Bus) *Rotator {
	return &Rotator{
		codec:   codec,
		store:   store,
		clk:     clk,
		bus:     bus,
		running: make(map[string]func()),
	}
}

// Start begins rotation for a session. Starting an already-rotating session
// is a no-op.
func (r *Rotator) Start(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[sessionID]; ok {
		return
	}
	stop := r.clk.Every(r.codec.Window(), func() {
		r.tick(sessionID)
	})
	r.running[sessionID] = stop
	metrics.ActiveSessions.Inc()
}

// Stop halts rotation for a session. Once it returns no further tick for
// this session will begin. Safe to call for a session that is not rotating.
func (r *Rotator) Stop(sessionID string) {
	r.mu.Lock()
	stop, ok := r.running[sessionID]
	if ok {
		delete(r.running, sessionID)
	}
	r.mu.Unlock()
	if ok {
		stop()
		metrics.ActiveSessions.Dec()
	}
}

// StopAll halts every timer; used on shutdown.
func (r *Rotator) StopAll() {
	r.mu.Lock()
	stops := make([]func(), 0, len(r.running))
	for id, stop := range r.running {
		stops = append(stops, stop)
		delete(r.running, id)
	}
	r.mu.Unlock()
	for _, stop := range stops {
		stop()
		metrics.ActiveSessions.Dec()
	}
}

// Rotating reports whether a timer exists for the session.
func (r *Rotator) Rotating(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// tick issues a fresh token and stores it behind an active-only CAS, so a
// tick that lost a race with pause/complete/cancel writes nothing.
func (r *Rotator) tick(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := r.clk.Now()
	t, err := r.codec.Issue(sessionID, now)
	if err != nil {
		log.Printf("rotation: issue token for %s: %v", sessionID, err)
		return
	}
	exp := t.ExpiresAt
	_, err = r.store.CompareAndSetStatus(ctx, sessionID,
		[]Status{StatusActive}, StatusActive,
		Fields{CurrentToken: token.Encode(t), TokenExpiresAt: &exp})
	if err != nil {
		if errors.Is(err, ErrPreconditionFailed) || errors.Is(err, ErrNotFound) {
			// Session left the active state between the transition's Stop
			// and this tick draining; nothing to do.
			return
		}
		log.Printf("rotation: store token for %s: %v", sessionID, err)
		return
	}
	metrics.Rotations.Inc()

	if err := r.bus.Publish(ctx, events.SessionTopic(sessionID), events.Event{
		Type:      "token.rotated",
		SessionID: sessionID,
		Payload: events.Marshal(map[string]any{
			"token":      token.Encode(t),
			"expires_at": exp,
		}),
	}); err != nil {
		log.Printf("rotation: publish for %s: %v", sessionID, err)
	}
}
