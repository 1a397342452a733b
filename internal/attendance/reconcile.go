package attendance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jovidjumaev/fusas/internal/events"
	"github.com/jovidjumaev/fusas/internal/session"
)

// Reconciler back-fills an absent record for every enrolled student who
// never redeemed a token, at session completion. Running it twice creates
// no duplicates: it only inserts for students it confirmed lack a record,
// and the storage uniqueness constraint backstops any race with a
// last-second redemption.
type Reconciler struct {
	records    RecordStore
	enrollment EnrollmentLookup
	bus        events.Bus
}

func NewReconciler(records RecordStore, enrollment EnrollmentLookup, bus events.Bus) *Reconciler {
	return &Reconciler{records: records, enrollment: enrollment, bus: bus}
}

// Reconcile implements session.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, sess session.Session, completedAt time.Time) (int, error) {
	students, err := r.enrollment.ListActiveStudents(ctx, sess.ClassID)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: list students: %w", sess.ID, err)
	}
	existing, err := r.records.ListBySession(ctx, sess.ID)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: list records: %w", sess.ID, err)
	}
	recorded := make(map[string]bool, len(existing))
	for _, rec := range existing {
		recorded[rec.StudentID] = true
	}

	created := 0
	for _, studentID := range students {
		if recorded[studentID] {
			continue
		}
		_, inserted, err := r.records.InsertIfAbsent(ctx, Record{
			SessionID:  sess.ID,
			StudentID:  studentID,
			Status:     StatusAbsent,
			RecordedAt: completedAt,
		})
		if err != nil {
			return created, fmt.Errorf("reconcile %s: insert absent for %s: %w", sess.ID, studentID, err)
		}
		if inserted {
			created++
		}
	}

	if created > 0 {
		evt := events.Event{
			Type:      "attendance.reconciled",
			SessionID: sess.ID,
			ClassID:   sess.ClassID,
			Payload:   events.Marshal(map[string]any{"absent_created": created}),
		}
		if err := r.bus.Publish(ctx, events.DashboardTopic(sess.ClassID), evt); err != nil {
			log.Printf("reconcile %s: publish: %v", sess.ID, err)
		}
	}
	return created, nil
}
