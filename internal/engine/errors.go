package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced synchronously to callers. Channel-send failures
// are never returned from here; they land on the record itself.
var (
	// ErrRecipientNotFound means dispatch was attempted for an identity the
	// resolver does not know. No record is created.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrNotificationNotFound means the given id matches no live record.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrInvalidStateTransition is the errors.Is target for
	// InvalidTransitionError.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidRetryState means retry was attempted on a record that is not
	// in the failed state. The record is left untouched.
	ErrInvalidRetryState = errors.New("only failed notifications can be retried")

	// ErrRetryLimitExceeded means the configured retry ceiling was reached.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrUnsupportedChannel means the channel is not one of email, push,
	// sms or in_app.
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

// InvalidTransitionError reports a status update that does not match any
// edge of the delivery state machine. A late or duplicate callback must fail
// loudly instead of overwriting a settled record.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Is lets errors.Is(err, ErrInvalidStateTransition) match.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
