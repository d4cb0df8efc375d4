package taskrelay

import (
	"encoding/json"
	"time"
)

// Record is the durable status entry of one task.
type Record struct {
	TaskID         string          `json:"task_id"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	TaskType       string          `json:"task_type,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	// Sequence is the highest event sequence applied so far.
	Sequence  uint64    `json:"sequence,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the store version the record was read at.
	Version int64 `json:"-"`
}

// Terminal reports whether the record can no longer change.
func (r Record) Terminal() bool {
	return r.Status.Terminal()
}

// Deadline returns when the task times out, if it has a timeout.
func (r Record) Deadline() (time.Time, bool) {
	if r.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}

	return r.CreatedAt.Add(time.Duration(r.TimeoutSeconds) * time.Second), true
}

// Snapshot returns the client-facing view of the record.
func (r Record) Snapshot() TaskStatus {
	return TaskStatus{
		TaskID:    r.TaskID,
		Status:    r.Status,
		Progress:  r.Progress,
		Result:    r.Result,
		Error:     r.Error,
		UpdatedAt: r.UpdatedAt,
	}
}

// TaskStatus is what clients see when they query or subscribe to a task.
type TaskStatus struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether no further updates will follow.
func (s TaskStatus) Terminal() bool {
	return s.Status.Terminal()
}

// Update is a requested change to a record. An empty Status keeps the current one.
type Update struct {
	Status   Status
	Progress *int
	Result   json.RawMessage
	Error    string
	// Sequence, when non-zero, must be greater than the record's last applied sequence.
	Sequence uint64
}

// apply returns r with u applied. r must not be terminal.
func (r Record) apply(u Update, now time.Time) (Record, error) {
	next := r
	status := u.Status
	if status == "" {
		status = r.Status
	}
	if !status.Valid() {
		return Record{}, ErrInvalidStatus
	}
	if status == StatusQueued && r.Status != StatusQueued {
		return Record{}, ErrInvalidStatus
	}
	if u.Progress != nil {
		if *u.Progress < 0 || *u.Progress > 100 {
			return Record{}, ErrInvalidProgress
		}
		next.Progress = *u.Progress
	}

	next.Status = status
	switch status {
	case StatusCompleted:
		next.Progress = 100
		next.Result = append(json.RawMessage(nil), u.Result...)
		next.Error = ""
	case StatusFailed:
		next.Result = nil
		next.Error = u.Error
		if next.Error == "" {
			next.Error = "task failed"
		}
	case StatusCancelled:
		next.Result = nil
		next.Error = u.Error
	default:
		next.Result = nil
		next.Error = ""
	}
	if u.Sequence > next.Sequence {
		next.Sequence = u.Sequence
	}
	next.UpdatedAt = now

	return next, nil
}
