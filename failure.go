package taskrelay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Failure pairs a delivery with the error its handler returned.
type Failure struct {
	ID  uuid.UUID
	Err error
	// RetryAfter is the earliest the delivery may be attempted again. Zero leaves
	// the schedule to the queue's own backoff.
	RetryAfter time.Duration
}

// Verdict is what the relay does with a delivery once its handler returned.
type Verdict int

const (
	// VerdictAck removes the delivery from the queue.
	VerdictAck Verdict = iota
	// VerdictRetry puts the delivery back for a later attempt.
	VerdictRetry
	// VerdictDead moves the delivery to the dead-letter state.
	VerdictDead
)

func (v Verdict) String() string {
	switch v {
	case VerdictAck:
		return "ack"
	case VerdictRetry:
		return "retry"
	case VerdictDead:
		return "dead"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Settle maps a handler result onto a Verdict.
//
// Updates the task record already reflects (ErrTerminalState, ErrDuplicateMessage,
// ErrStaleUpdate) are acknowledged. A ValidationError or a Permanent error is
// dead-lettered. An open circuit is retried no earlier than the breaker's reset.
// Everything else is retried on the queue's backoff.
func Settle(err error) (Verdict, time.Duration) {
	if err == nil {
		return VerdictAck, 0
	}
	if errors.Is(err, ErrTerminalState) || errors.Is(err, ErrDuplicateMessage) || errors.Is(err, ErrStaleUpdate) {
		return VerdictAck, 0
	}

	var invalid *ValidationError
	if errors.As(err, &invalid) || errors.Is(err, ErrInvalidMessage) || IsPermanent(err) {
		return VerdictDead, 0
	}

	var open *BreakerError
	if errors.As(err, &open) && errors.Is(open.Err, ErrCircuitOpen) {
		return VerdictRetry, open.RetryAfter
	}

	return VerdictRetry, 0
}

// handlerPanic turns a recovered handler panic into a Permanent error so the
// delivery is dead-lettered instead of crashing the relay on every redelivery.
func handlerPanic(rec any) error {
	return Permanent(fmt.Errorf("taskrelay: handler panic: %v", rec))
}
