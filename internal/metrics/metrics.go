// Package metrics holds the engine's Prometheus collectors, exposed by the
// API server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Redemptions counts redemption attempts by outcome (present, late,
	// already_recorded, invalid_token, malformed_token, session_not_open,
	// not_enrolled, error).
	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fusas_redemptions_total",
		Help: "Attendance redemption attempts by outcome.",
	}, []string{"outcome"})

	// Rotations counts issued rotation tokens.
	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusas_token_rotations_total",
		Help: "Tokens issued by the rotation scheduler.",
	})

	// ReconciledAbsent counts absent records back-filled at completion.
	ReconciledAbsent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fusas_reconciled_absent_total",
		Help: "Absent records created by reconciliation.",
	})

	// ActiveSessions tracks sessions currently rotating tokens.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fusas_active_sessions",
		Help: "Sessions currently open for redemption.",
	})
)
