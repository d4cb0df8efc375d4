package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/velmie/taskrelay/codec"
)

const (
	defaultTopicPrefix     = "tasks."
	defaultEventsTopic     = "events"
	defaultControlTopic    = "control"
	defaultHeartbeatTopic  = "heartbeats"
	defaultPublishTimeout  = 5 * time.Second
	defaultStoreTimeout    = 2 * time.Second
	defaultPublishRetries  = 3
	defaultDispatcherAgent = "taskrelay"
)

// Send outcomes reported to Metrics.AddSendResult.
const (
	SendAccepted    = "accepted"
	SendDuplicate   = "duplicate"
	SendInvalid     = "invalid"
	SendCircuitOpen = "circuit_open"
	SendExhausted   = "exhausted"
	SendFailed      = "failed"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// SenderID is written into messages the dispatcher creates itself.
	SenderID string
	// Routes maps a task type to a target dependency. Unrouted task types are their own target.
	Routes map[string]string
	// TopicPrefix is prepended to the target to form the task topic.
	TopicPrefix string
	// EventsTopic receives events and responses sent with Publish.
	EventsTopic string
	// ControlTopic receives system messages, including cancel notices.
	ControlTopic string
	// HeartbeatTopic receives heartbeats sent with Publish.
	HeartbeatTopic string
	// PublishRetries bounds re-publishing of non-task messages.
	PublishRetries int
	// PublishTimeout bounds each publish attempt.
	PublishTimeout time.Duration
	// StoreTimeout bounds registry writes made after the caller's context is done.
	StoreTimeout time.Duration
	Codec        codec.Codec
	Retry        RetryPolicy
	// Breakers defaults to a registry with default breaker settings.
	Breakers *BreakerRegistry
	// Updater receives status changes made by the dispatcher. Defaults to the Registry.
	// Set it to a Propagator so subscribers see those changes too.
	Updater StatusUpdater
	// Watchdog, when set, tracks accepted tasks that have a timeout.
	Watchdog *Watchdog
	Clock    Clock
	Logger   Logger
	Metrics  Metrics
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.SenderID == "" {
		c.SenderID = defaultDispatcherAgent
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.EventsTopic == "" {
		c.EventsTopic = defaultEventsTopic
	}
	if c.ControlTopic == "" {
		c.ControlTopic = defaultControlTopic
	}
	if c.HeartbeatTopic == "" {
		c.HeartbeatTopic = defaultHeartbeatTopic
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = defaultPublishRetries
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.Codec == nil {
		c.Codec = DefaultCodec
	}
	c.Retry = c.Retry.withDefaults()
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Breakers == nil {
		c.Breakers = NewBreakerRegistry(BreakerRegistryConfig{
			Defaults: BreakerConfig{Clock: c.Clock, Logger: c.Logger, Metrics: c.Metrics},
			Logger:   c.Logger,
		})
	}

	return c
}

// SendResult describes an accepted Send.
type SendResult struct {
	TaskID string
	// Duplicate is true when an existing task with the same idempotency key was returned.
	Duplicate bool
	// Attempts is the number of publish attempts made.
	Attempts int
	Record   Record
}

// Dispatcher validates outbound messages, reserves task records and publishes
// through the circuit breaker of each target with exponential backoff.
type Dispatcher struct {
	publisher Publisher
	registry  *Registry
	cfg       DispatcherConfig
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(publisher Publisher, registry *Registry, cfg DispatcherConfig) *Dispatcher {
	if publisher == nil {
		panic("taskrelay: nil Publisher")
	}
	if registry == nil {
		panic("taskrelay: nil Registry")
	}

	cfg = cfg.withDefaults()
	if cfg.Updater == nil {
		cfg.Updater = registry
	}

	return &Dispatcher{publisher: publisher, registry: registry, cfg: cfg}
}

// Breakers returns the breaker registry owned by the dispatcher.
func (d *Dispatcher) Breakers() *BreakerRegistry {
	return d.cfg.Breakers
}

// Target returns the dependency a task is routed to.
func (d *Dispatcher) Target(task *Task) string {
	if task.Target != "" {
		return task.Target
	}
	if target, ok := d.cfg.Routes[task.TaskType]; ok && target != "" {
		return target
	}

	return task.TaskType
}

// TaskTopic returns the topic tasks for target are published to.
func (d *Dispatcher) TaskTopic(target string) string {
	return d.cfg.TopicPrefix + target
}

// Send validates task, reserves its record and publishes it.
//
// A task whose idempotency key belongs to a live task is not published again; the
// existing task id is returned with Duplicate set. An open circuit fails fast with a
// *BreakerError wrapping ErrCircuitOpen. Transient publish failures are retried with
// backoff until MaxRetries is reached; the record is then failed with ErrRetriesExhausted.
// The caller's task is not modified.
func (d *Dispatcher) Send(ctx context.Context, task *Task) (SendResult, error) {
	if err := Validate(task); err != nil {
		d.cfg.Metrics.AddSendResult(SendInvalid)

		return SendResult{}, err
	}

	msg := task.Clone()
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.MessageID
	}
	taskID := msg.CorrelationID
	target := d.Target(msg)
	breaker := d.cfg.Breakers.Get(ctx, target)

	// A live duplicate is answered before the circuit is consulted.
	holder, found, err := d.registry.Holder(ctx, msg.IdempotencyKey)
	if err != nil {
		d.cfg.Metrics.AddSendResult(SendFailed)

		return SendResult{TaskID: taskID}, err
	}
	if found {
		return d.duplicate(holder, msg.IdempotencyKey), nil
	}

	if err = breaker.OpenError(); err != nil {
		d.cfg.Metrics.AddSendResult(SendCircuitOpen)
		d.cfg.Logger.Warn("task rejected by open circuit", "task_id", taskID, "breaker", target)

		return SendResult{TaskID: taskID}, err
	}

	rec, created, err := d.registry.Create(ctx, CreateRequest{
		TaskID:         taskID,
		TaskType:       msg.TaskType,
		IdempotencyKey: msg.IdempotencyKey,
		TimeoutSeconds: msg.TimeoutSeconds,
	})
	if err != nil {
		d.cfg.Metrics.AddSendResult(SendFailed)

		return SendResult{TaskID: taskID}, err
	}
	if !created {
		return d.duplicate(rec, msg.IdempotencyKey), nil
	}

	attempts, err := d.publishTask(ctx, breaker, d.TaskTopic(target), msg)
	result := SendResult{TaskID: taskID, Attempts: attempts, Record: rec}
	if err != nil {
		outcome := SendFailed
		switch {
		case IsCircuitOpen(err):
			outcome = SendCircuitOpen
		case errors.Is(err, ErrRetriesExhausted):
			outcome = SendExhausted
		}
		d.cfg.Metrics.AddSendResult(outcome)
		if failed, ok := d.fail(ctx, taskID, err); ok {
			result.Record = failed
		}

		return result, err
	}

	if d.cfg.Watchdog != nil {
		if deadline, ok := rec.Deadline(); ok {
			d.cfg.Watchdog.Track(taskID, deadline)
		}
	}
	d.cfg.Metrics.AddSendResult(SendAccepted)
	d.cfg.Logger.Debug("task published", "task_id", taskID, "breaker", target, "attempt", attempts)

	return result, nil
}

func (d *Dispatcher) duplicate(rec Record, key string) SendResult {
	d.cfg.Metrics.AddSendResult(SendDuplicate)
	d.cfg.Logger.Info("duplicate task submission", "task_id", rec.TaskID, "idempotency_key", key)

	return SendResult{TaskID: rec.TaskID, Duplicate: true, Record: rec}
}

// publishTask publishes msg and its retries. It returns the number of attempts made.
func (d *Dispatcher) publishTask(ctx context.Context, breaker *Breaker, topic string, msg *Task) (int, error) {
	attempts := 0
	current := msg
	var lastErr error

	op := func() error {
		if attempts > 0 {
			current = current.Retry()
			current.Timestamp = d.cfg.Clock.Now()
		}
		attempts++

		err := d.publishOnce(ctx, breaker, topic, current)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsCircuitOpen(err) || IsPermanent(err) || errors.Is(err, ErrInvalidMessage) {
			return backoff.Permanent(err)
		}

		return err
	}
	notify := func(err error, wait time.Duration) {
		d.cfg.Logger.Warn("task publish failed; retrying", "task_id", msg.CorrelationID, "breaker", breaker.Name(), "attempt", attempts, "retry_in", wait, "err", err)
	}

	b := backoff.WithContext(d.cfg.Retry.backOff(d.cfg.Clock, msg.MaxRetries-msg.RetryCount), ctx)
	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		return attempts, nil
	case ctx.Err() != nil:
		return attempts, fmt.Errorf("taskrelay: send aborted after %d attempts: %w", attempts, ctx.Err())
	case IsCircuitOpen(err), IsPermanent(err), errors.Is(err, ErrInvalidMessage):
		return attempts, err
	default:
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, lastErr)
	}
}

func (d *Dispatcher) publishOnce(ctx context.Context, breaker *Breaker, topic string, m Message) error {
	payload, err := Encode(d.cfg.Codec, m)
	if err != nil {
		return err
	}

	return breaker.Execute(ctx, func(ctx context.Context) error {
		pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()

		start := time.Now()
		err := d.publisher.Publish(pubCtx, topic, payload)
		d.cfg.Metrics.ObservePublish(breaker.Name(), time.Since(start), err)

		return err
	})
}

// fail marks taskID failed after a send error, even when ctx is already done.
func (d *Dispatcher) fail(ctx context.Context, taskID string, cause error) (Record, bool) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()

	rec, err := d.cfg.Updater.Apply(storeCtx, taskID, Update{Status: StatusFailed, Error: cause.Error()})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) {
			d.cfg.Logger.Error("failed to mark task failed", "task_id", taskID, "cause", cause, "err", err)
		}

		return Record{}, false
	}
	d.cfg.Logger.Warn("task failed during send", "task_id", taskID, "err", cause)

	return rec, true
}

// Publish sends an event, response, heartbeat or system message through the breaker of
// its topic, retrying transient failures. Tasks must go through Send.
func (d *Dispatcher) Publish(ctx context.Context, m Message) error {
	if err := Validate(m); err != nil {
		return err
	}

	var topic string
	switch m.(type) {
	case *Event, *Response:
		topic = d.cfg.EventsTopic
	case *Heartbeat:
		topic = d.cfg.HeartbeatTopic
	case *System:
		topic = d.cfg.ControlTopic
	default:
		return Permanent(fmt.Errorf("taskrelay: %s messages are sent with Send", m.Header().MessageType))
	}

	breaker := d.cfg.Breakers.Get(ctx, topic)
	op := func() error {
		err := d.publishOnce(ctx, breaker, topic, m)
		if IsCircuitOpen(err) || IsPermanent(err) || errors.Is(err, ErrInvalidMessage) {
			return backoff.Permanent(err)
		}

		return err
	}
	b := backoff.WithContext(d.cfg.Retry.backOff(d.cfg.Clock, d.cfg.PublishRetries), ctx)

	return backoff.Retry(op, b)
}

// Cancel marks a live task cancelled and publishes an advisory cancel command to workers.
// A failure to publish the notice is logged; the cancellation itself stands.
func (d *Dispatcher) Cancel(ctx context.Context, taskID, reason string) (Record, error) {
	rec, err := d.cfg.Updater.Apply(ctx, taskID, Update{Status: StatusCancelled, Error: reason})
	if err != nil {
		return rec, err
	}
	if d.cfg.Watchdog != nil {
		d.cfg.Watchdog.Forget(taskID)
	}

	notice := NewSystem(d.cfg.SenderID, CommandCancel)
	notice.CorrelationID = taskID
	if reason != "" {
		notice.Args = map[string]string{"reason": reason}
	}
	if err := d.Publish(ctx, notice); err != nil {
		d.cfg.Logger.Warn("cancel notice not published", "task_id", taskID, "err", err)
	}

	return rec, nil
}
