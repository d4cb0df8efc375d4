package taskrelay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is written into every envelope this package builds.
const SchemaVersion = "1.0"

// MessageType discriminates the message variants on the wire.
type MessageType string

const (
	// MessageTypeTask asks a worker to perform a job.
	MessageTypeTask MessageType = "task"
	// MessageTypeEvent reports progress or completion of a task.
	MessageTypeEvent MessageType = "event"
	// MessageTypeResponse answers a task directly.
	MessageTypeResponse MessageType = "response"
	// MessageTypeHeartbeat announces that a sender is alive.
	MessageTypeHeartbeat MessageType = "heartbeat"
	// MessageTypeSystem carries control commands.
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the five recognized kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeTask, MessageTypeEvent, MessageTypeResponse, MessageTypeHeartbeat, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// Envelope holds the header fields shared by every message.
type Envelope struct {
	MessageID     string      `json:"message_id"`
	MessageType   MessageType `json:"message_type"`
	SenderID      string      `json:"sender_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
	// Priority is optional; lower is more urgent.
	Priority *int   `json:"priority,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	SpanID   string `json:"span_id,omitempty"`
}

// Message is implemented by *Task, *Event, *Response, *Heartbeat and *System.
type Message interface {
	// Header returns the envelope of the message.
	Header() *Envelope
	// Validate reports the first structural problem of the message.
	Validate() error

	isMessage()
}

// NewMessageID returns a fresh time-ordered UUID.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// NewEnvelope returns an envelope with a fresh id, the current UTC time and the current schema version.
func NewEnvelope(messageType MessageType, senderID string) Envelope {
	return Envelope{
		MessageID:   NewMessageID(),
		MessageType: messageType,
		SenderID:    senderID,
		Timestamp:   time.Now().UTC(),
		Version:     SchemaVersion,
	}
}

// Header implements Message.
func (e *Envelope) Header() *Envelope {
	return e
}

// Validate checks the required envelope fields.
func (e *Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.MessageID) == "":
		return ErrMessageIDRequired
	case strings.TrimSpace(e.SenderID) == "":
		return ErrSenderIDRequired
	case e.Timestamp.IsZero():
		return ErrTimestampRequired
	case e.MessageType == "":
		return ErrMessageTypeRequired
	case !e.MessageType.Valid():
		return ErrUnknownMessageType
	}

	return checkVersion(e.Version)
}

func (e *Envelope) validateAs(t MessageType) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.MessageType != t {
		return &ValidationError{Field: "message_type", Reason: "must be " + string(t)}
	}

	return nil
}

func (e Envelope) clone() Envelope {
	if e.Priority != nil {
		p := *e.Priority
		e.Priority = &p
	}

	return e
}

// checkVersion accepts "1" and "1.x"; an empty version is read as 1.0.
func checkVersion(v string) error {
	v = strings.TrimSpace(v)
	if v == "" || v == "1" || strings.HasPrefix(v, "1.") {
		return nil
	}

	return ErrUnsupportedVersion
}

// Task asks a worker to perform a job of TaskType.
type Task struct {
	Envelope
	TaskType string `json:"task_type"`
	// Target names the dependency that receives the task. Empty means route by TaskType.
	Target         string          `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// NewTask returns a task whose correlation id equals its first message id.
func NewTask(senderID, taskType string, payload json.RawMessage) *Task {
	env := NewEnvelope(MessageTypeTask, senderID)
	env.CorrelationID = env.MessageID

	return &Task{Envelope: env, TaskType: taskType, Payload: payload}
}

func (*Task) isMessage() {}

// TaskID is the identity of the logical operation: the correlation id, or the message id when unset.
func (t *Task) TaskID() string {
	if t.CorrelationID != "" {
		return t.CorrelationID
	}

	return t.MessageID
}

// Validate implements Message.
func (t *Task) Validate() error {
	if err := t.validateAs(MessageTypeTask); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(t.TaskType) == "":
		return ErrTaskTypeRequired
	case t.RetryCount < 0, t.MaxRetries < 0, t.RetryCount > t.MaxRetries:
		return ErrInvalidRetries
	case t.TimeoutSeconds < 0:
		return ErrInvalidTimeout
	case len(t.Payload) > 0 && !json.Valid(t.Payload):
		return ErrInvalidPayload
	}

	return nil
}

// Timeout returns TimeoutSeconds as a duration.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	out := *t
	out.Envelope = t.Envelope.clone()
	if t.Payload != nil {
		out.Payload = append(json.RawMessage(nil), t.Payload...)
	}

	return &out
}

// Retry returns the next delivery attempt of t: a fresh message id and timestamp
// with RetryCount incremented. Correlation id and idempotency key are kept.
func (t *Task) Retry() *Task {
	out := t.Clone()
	out.MessageID = NewMessageID()
	out.Timestamp = time.Now().UTC()
	out.RetryCount++

	return out
}

// EventKind says what happened to a task.
type EventKind string

const (
	// EventStarted reports that a worker picked the task up.
	EventStarted EventKind = "started"
	// EventProgress reports intermediate progress.
	EventProgress EventKind = "progress"
	// EventCompleted reports success and carries the result.
	EventCompleted EventKind = "completed"
	// EventFailed reports an unrecoverable failure.
	EventFailed EventKind = "failed"
	// EventCancelled reports that the worker stopped after a cancel request.
	EventCancelled EventKind = "cancelled"
)

// Status maps the event kind to the task status it produces.
func (k EventKind) Status() (Status, bool) {
	switch k {
	case EventStarted, EventProgress:
		return StatusInProgress, true
	case EventCompleted:
		return StatusCompleted, true
	case EventFailed:
		return StatusFailed, true
	case EventCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// Event reports a state change of the task identified by its correlation id.
type Event struct {
	Envelope
	Kind     EventKind       `json:"kind"`
	Progress *int            `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	// Sequence is assigned by the producer per task and increases monotonically. Zero means unset.
	Sequence uint64 `json:"sequence,omitempty"`
}

// NewEvent returns an event about taskID.
func NewEvent(senderID, taskID string, kind EventKind) *Event {
	env := NewEnvelope(MessageTypeEvent, senderID)
	env.CorrelationID = taskID

	return &Event{Envelope: env, Kind: kind}
}

func (*Event) isMessage() {}

// Validate implements Message.
func (e *Event) Validate() error {
	if err := e.validateAs(MessageTypeEvent); err != nil {
		return err
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return ErrCorrelationIDRequired
	}
	if _, ok := e.Kind.Status(); !ok {
		return ErrUnknownEventKind
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 100) {
		return ErrInvalidProgress
	}
	if len(e.Result) > 0 && !json.Valid(e.Result) {
		return &ValidationError{Field: "result", Reason: "must be valid JSON"}
	}

	return nil
}

// Update converts the event into a registry update.
func (e *Event) Update() Update {
	status, _ := e.Kind.Status()
	u := Update{Status: status, Sequence: e.Sequence}
	if e.Progress != nil {
		p := *e.Progress
		u.Progress = &p
	}
	switch status {
	case StatusCompleted:
		u.Result = e.Result
	case StatusFailed, StatusCancelled:
		u.Error = e.Error
	}

	return u
}

// Response answers a task directly and ends it.
type Response struct {
	Envelope
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewResponse returns a response to taskID.
func NewResponse(senderID, taskID string, success bool) *Response {
	env := NewEnvelope(MessageTypeResponse, senderID)
	env.CorrelationID = taskID

	return &Response{Envelope: env, Success: success}
}

func (*Response) isMessage() {}

// Validate implements Message.
func (r *Response) Validate() error {
	if err := r.validateAs(MessageTypeResponse); err != nil {
		return err
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		return ErrCorrelationIDRequired
	}
	if len(r.Result) > 0 && !json.Valid(r.Result) {
		return &ValidationError{Field: "result", Reason: "must be valid JSON"}
	}

	return nil
}

// Update converts the response into a terminal registry update.
func (r *Response) Update() Update {
	if r.Success {
		return Update{Status: StatusCompleted, Result: r.Result}
	}

	msg := r.Error
	if msg == "" {
		msg = "worker reported failure"
	}

	return Update{Status: StatusFailed, Error: msg}
}

// Heartbeat announces that SenderID is alive.
type Heartbeat struct {
	Envelope
	Status string  `json:"status,omitempty"`
	Load   float64 `json:"load,omitempty"`
}

// NewHeartbeat returns a heartbeat from senderID.
func NewHeartbeat(senderID, status string) *Heartbeat {
	return &Heartbeat{Envelope: NewEnvelope(MessageTypeHeartbeat, senderID), Status: status}
}

func (*Heartbeat) isMessage() {}

// Validate implements Message.
func (h *Heartbeat) Validate() error {
	return h.validateAs(MessageTypeHeartbeat)
}

// SystemCommand names a control command.
type SystemCommand string

const (
	// CommandCancel asks workers to stop the task named by the correlation id.
	CommandCancel SystemCommand = "cancel"
	// CommandDrain asks workers to stop taking new tasks.
	CommandDrain SystemCommand = "drain"
	// CommandPing asks the receiver to answer with a heartbeat.
	CommandPing SystemCommand = "ping"
)

// System carries a control command. Unknown commands are passed through to handlers.
type System struct {
	Envelope
	Command SystemCommand     `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// NewSystem returns a control message.
func NewSystem(senderID string, command SystemCommand) *System {
	return &System{Envelope: NewEnvelope(MessageTypeSystem, senderID), Command: command}
}

func (*System) isMessage() {}

// Validate implements Message.
func (s *System) Validate() error {
	if err := s.validateAs(MessageTypeSystem); err != nil {
		return err
	}
	if strings.TrimSpace(string(s.Command)) == "" {
		return ErrCommandRequired
	}
	if s.Command == CommandCancel && strings.TrimSpace(s.CorrelationID) == "" {
		return ErrCorrelationIDRequired
	}

	return nil
}

// Validate checks m, treating nil as invalid.
func Validate(m Message) error {
	if isNil(m) {
		return ErrNilMessage
	}

	return m.Validate()
}

func isNil(m Message) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *Task:
		return v == nil
	case *Event:
		return v == nil
	case *Response:
		return v == nil
	case *Heartbeat:
		return v == nil
	case *System:
		return v == nil
	default:
		return false
	}
}
