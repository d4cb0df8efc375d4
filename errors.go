package taskrelay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidMessage is matched by every message validation error.
	ErrInvalidMessage = errors.New("taskrelay: invalid message")
	// ErrNilMessage is returned when a nil message is submitted.
	ErrNilMessage = &ValidationError{Field: "message", Reason: "is nil"}
	// ErrMessageIDRequired is returned when Envelope.MessageID is empty.
	ErrMessageIDRequired = &ValidationError{Field: "message_id", Reason: "is required"}
	// ErrSenderIDRequired is returned when Envelope.SenderID is empty.
	ErrSenderIDRequired = &ValidationError{Field: "sender_id", Reason: "is required"}
	// ErrTimestampRequired is returned when Envelope.Timestamp is zero.
	ErrTimestampRequired = &ValidationError{Field: "timestamp", Reason: "is required"}
	// ErrMessageTypeRequired is returned when Envelope.MessageType is empty.
	ErrMessageTypeRequired = &ValidationError{Field: "message_type", Reason: "is required"}
	// ErrUnknownMessageType is returned when Envelope.MessageType is not a recognized kind.
	ErrUnknownMessageType = &ValidationError{Field: "message_type", Reason: "is not recognized"}
	// ErrUnsupportedVersion is returned when the schema version major is not understood.
	ErrUnsupportedVersion = &ValidationError{Field: "version", Reason: "is not supported"}
	// ErrCorrelationIDRequired is returned when a message that belongs to a task has no correlation id.
	ErrCorrelationIDRequired = &ValidationError{Field: "correlation_id", Reason: "is required"}
	// ErrTaskTypeRequired is returned when Task.TaskType is empty.
	ErrTaskTypeRequired = &ValidationError{Field: "task_type", Reason: "is required"}
	// ErrInvalidPayload is returned when a payload is present but not valid JSON.
	ErrInvalidPayload = &ValidationError{Field: "payload", Reason: "must be valid JSON"}
	// ErrInvalidRetries is returned when retry counters are negative or retry_count exceeds max_retries.
	ErrInvalidRetries = &ValidationError{Field: "retry_count", Reason: "must be within [0, max_retries]"}
	// ErrInvalidTimeout is returned when Task.TimeoutSeconds is negative.
	ErrInvalidTimeout = &ValidationError{Field: "timeout_seconds", Reason: "must be non-negative"}
	// ErrUnknownEventKind is returned when Event.Kind is not recognized.
	ErrUnknownEventKind = &ValidationError{Field: "kind", Reason: "is not recognized"}
	// ErrInvalidProgress is returned when a progress value is outside [0, 100].
	ErrInvalidProgress = &ValidationError{Field: "progress", Reason: "must be within [0, 100]"}
	// ErrCommandRequired is returned when System.Command is empty.
	ErrCommandRequired = &ValidationError{Field: "command", Reason: "is required"}

	// ErrCircuitOpen is wrapped by calls rejected because a breaker is open.
	ErrCircuitOpen = errors.New("taskrelay: circuit open")
	// ErrRetriesExhausted marks a task that failed on every allowed attempt.
	ErrRetriesExhausted = errors.New("taskrelay: retries exhausted")
	// ErrTaskTimeout marks a task that produced no terminal event within timeout_seconds.
	ErrTaskTimeout = errors.New("taskrelay: task timed out")

	// ErrNotFound is returned by a Store when a key does not exist.
	ErrNotFound = errors.New("taskrelay: key not found")
	// ErrVersionConflict is returned by a Store when a compare-and-set loses.
	ErrVersionConflict = errors.New("taskrelay: version conflict")
	// ErrScanUnsupported is returned when the Store does not implement Scanner.
	ErrScanUnsupported = errors.New("taskrelay: store cannot scan keys")

	// ErrTaskNotFound is returned when no record exists for a task id.
	ErrTaskNotFound = errors.New("taskrelay: task not found")
	// ErrTaskExists is returned when creating a record whose task id is already taken.
	ErrTaskExists = errors.New("taskrelay: task already exists")
	// ErrTaskIDRequired is returned when a registry call has an empty task id.
	ErrTaskIDRequired = errors.New("taskrelay: task id is required")
	// ErrTerminalState is returned when updating a completed, failed or cancelled record.
	ErrTerminalState = errors.New("taskrelay: task is in a terminal state")
	// ErrInvalidStatus is returned for an unknown or disallowed status value.
	ErrInvalidStatus = errors.New("taskrelay: invalid task status")
	// ErrStaleUpdate is returned when an update carries a sequence that was already applied.
	ErrStaleUpdate = errors.New("taskrelay: stale update")
	// ErrConcurrentUpdate is returned when compare-and-set retries are exhausted.
	ErrConcurrentUpdate = errors.New("taskrelay: too many concurrent updates")

	// ErrDuplicateMessage is returned when a message id was already handled.
	ErrDuplicateMessage = errors.New("taskrelay: duplicate message")
	// ErrSubscriberDropped is reported by a subscription that fell too far behind.
	ErrSubscriberDropped = errors.New("taskrelay: subscriber dropped")
	// ErrNoHandler is returned when no handler is registered for a task or message type.
	ErrNoHandler = errors.New("taskrelay: no handler registered")
	// ErrClosed is returned by transports, propagators and subscriptions after Close.
	ErrClosed = errors.New("taskrelay: closed")

	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("taskrelay: batch size must be positive")
	// ErrNoDeliveries signals that a queue has nothing pending.
	ErrNoDeliveries = errors.New("taskrelay: no pending deliveries")
	// ErrNilBatch indicates that a consumer returned a nil batch.
	ErrNilBatch = errors.New("taskrelay: batch is nil")
	// ErrEmptyBatch indicates that a consumer returned a batch with no deliveries.
	ErrEmptyBatch = errors.New("taskrelay: batch has no deliveries")
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("taskrelay: worker panic")
)

// ValidationError reports a malformed message. It matches ErrInvalidMessage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("taskrelay: invalid message: %s %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidMessage.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidMessage
}

// BreakerError wraps an error observed through a circuit breaker with the breaker state.
type BreakerError struct {
	Name  string
	State CircuitState
	// RetryAfter is how long until an open breaker admits a trial call. Zero unless open.
	RetryAfter time.Duration
	Err        error
}

func (e *BreakerError) Error() string {
	return fmt.Sprintf("taskrelay: breaker %q (%s): %v", e.Name, e.State, e.Err)
}

func (e *BreakerError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError

	return errors.As(err, &p)
}

// IsCircuitOpen reports whether err was produced by an open breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Retryable reports whether a caller may sensibly resubmit after err.
// Circuit-open and exhausted retries are retryable later; validation and permanent errors are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidMessage), IsPermanent(err):
		return false
	default:
		return true
	}
}
