package engine

import (
	"time"

	"github.com/herald-io/herald/internal/db"
)

// Delivery state machine.
//
//	pending -> sent        channel sender succeeded (stamps sent_at, external_id)
//	pending -> failed      channel sender errored (stamps error_message)
//	sent    -> delivered   delivery confirmation (stamps delivered_at)
//	sent    -> bounced     hard bounce reported by the channel (stamps error_message)
//	failed  -> pending     explicit retry (retry_count+1, error cleared)
//
// delivered and bounced are terminal; failed is terminal until retried. The
// engine never produces bounced on its own, it only accepts it as an
// externally reported status.
var transitions = map[string]map[string]bool{
	db.StatusPending: {
		db.StatusSent:   true,
		db.StatusFailed: true,
	},
	db.StatusSent: {
		db.StatusDelivered: true,
		db.StatusBounced:   true,
	},
	db.StatusFailed: {
		db.StatusPending: true,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// StatusUpdate carries the optional fields a status callback may supply.
type StatusUpdate struct {
	ExternalID   string
	ErrorMessage string
}

// transitionEffects maps an edge to the column writes that accompany it.
func transitionEffects(from, to string, upd StatusUpdate, now time.Time) db.TransitionEffects {
	var eff db.TransitionEffects

	switch {
	case from == db.StatusPending && to == db.StatusSent:
		eff.SentAt = &now
		if upd.ExternalID != "" {
			eff.ExternalID = &upd.ExternalID
		}
	case from == db.StatusPending && to == db.StatusFailed:
		msg := upd.ErrorMessage
		eff.ErrorMessage = &msg
	case from == db.StatusSent && to == db.StatusDelivered:
		eff.DeliveredAt = &now
	case from == db.StatusSent && to == db.StatusBounced:
		msg := upd.ErrorMessage
		eff.ErrorMessage = &msg
	case from == db.StatusFailed && to == db.StatusPending:
		eff.ClearError = true
		eff.IncrementRetry = true
	}

	return eff
}
