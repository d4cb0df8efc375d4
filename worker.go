package taskrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/velmie/taskrelay/codec"
)

const (
	defaultWorkerConcurrency = 4
	defaultHeartbeatInterval = 10 * time.Second
)

var errCancelRequested = errors.New("taskrelay: cancel requested")

// MessagePublisher publishes non-task messages. *Dispatcher implements it.
type MessagePublisher interface {
	Publish(ctx context.Context, m Message) error
}

// TaskHandler performs the work of one task type.
type TaskHandler interface {
	// HandleTask runs task and returns its result. ctx ends when the task is cancelled
	// or times out. Progress can be reported through r.
	HandleTask(ctx context.Context, task *Task, r *Reporter) (json.RawMessage, error)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task *Task, r *Reporter) (json.RawMessage, error)

// HandleTask implements TaskHandler.
func (fn TaskHandlerFunc) HandleTask(ctx context.Context, task *Task, r *Reporter) (json.RawMessage, error) {
	return fn(ctx, task, r)
}

// HandlerMux maps task types to handlers.
type HandlerMux struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewHandlerMux returns an empty HandlerMux.
func NewHandlerMux() *HandlerMux {
	return &HandlerMux{handlers: make(map[string]TaskHandler)}
}

// Handle registers h for taskType, replacing any earlier handler.
func (m *HandlerMux) Handle(taskType string, h TaskHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[taskType] = h
}

// HandleFunc registers fn for taskType.
func (m *HandlerMux) HandleFunc(taskType string, fn func(ctx context.Context, task *Task, r *Reporter) (json.RawMessage, error)) {
	m.Handle(taskType, TaskHandlerFunc(fn))
}

// Lookup returns the handler for taskType.
func (m *HandlerMux) Lookup(taskType string) (TaskHandler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.handlers[taskType]

	return h, ok
}

// Reporter publishes the events of one task with increasing sequence numbers.
type Reporter struct {
	pub      MessagePublisher
	senderID string
	taskID   string
	seq      atomic.Uint64
}

// NewReporter returns a reporter for taskID.
func NewReporter(pub MessagePublisher, senderID, taskID string) *Reporter {
	return &Reporter{pub: pub, senderID: senderID, taskID: taskID}
}

// TaskID returns the reported task.
func (r *Reporter) TaskID() string {
	return r.taskID
}

// Started reports that work began.
func (r *Reporter) Started(ctx context.Context) error {
	return r.publish(ctx, EventStarted, func(*Event) {})
}

// Progress reports percent done, from 0 to 100.
func (r *Reporter) Progress(ctx context.Context, percent int) error {
	return r.publish(ctx, EventProgress, func(e *Event) { e.Progress = &percent })
}

// Completed reports success with result.
func (r *Reporter) Completed(ctx context.Context, result json.RawMessage) error {
	return r.publish(ctx, EventCompleted, func(e *Event) { e.Result = result })
}

// Failed reports an unrecoverable failure.
func (r *Reporter) Failed(ctx context.Context, reason string) error {
	return r.publish(ctx, EventFailed, func(e *Event) { e.Error = reason })
}

// Cancelled reports that work stopped after a cancel request.
func (r *Reporter) Cancelled(ctx context.Context, reason string) error {
	return r.publish(ctx, EventCancelled, func(e *Event) { e.Error = reason })
}

func (r *Reporter) publish(ctx context.Context, kind EventKind, fill func(*Event)) error {
	e := NewEvent(r.senderID, r.taskID, kind)
	e.Sequence = r.seq.Add(1)
	fill(e)

	return r.pub.Publish(ctx, e)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// WorkerID is the sender id of every event and heartbeat the worker publishes.
	WorkerID string
	// Concurrency caps tasks running at once. Deliveries wait for a free slot.
	Concurrency int64
	// HeartbeatInterval is the delay between heartbeats in RunHeartbeats.
	HeartbeatInterval time.Duration
	// SeenWindow is the number of recent task ids remembered to skip redeliveries.
	SeenWindow int
	Codec      codec.Codec
	Logger     Logger
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + NewMessageID()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultWorkerConcurrency
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Codec == nil {
		c.Codec = DefaultCodec
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}

	return c
}

// Worker consumes task messages, runs the registered TaskHandler and reports events.
type Worker struct {
	handlers *HandlerMux
	pub      MessagePublisher
	cfg      WorkerConfig
	slots    *semaphore.Weighted
	seen     *recentIDs
	wg       sync.WaitGroup
	draining atomic.Bool

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	subs    []io.Closer
}

// NewWorker returns a Worker that reports through pub.
func NewWorker(handlers *HandlerMux, pub MessagePublisher, cfg WorkerConfig) *Worker {
	if handlers == nil {
		panic("taskrelay: nil HandlerMux")
	}
	if pub == nil {
		panic("taskrelay: nil MessagePublisher")
	}

	cfg = cfg.withDefaults()

	return &Worker{
		handlers: handlers,
		pub:      pub,
		cfg:      cfg,
		slots:    semaphore.NewWeighted(cfg.Concurrency),
		seen:     newRecentIDs(cfg.SeenWindow),
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Start subscribes the worker to each task topic.
func (w *Worker) Start(ctx context.Context, sub Subscriber, topics ...string) error {
	for _, topic := range topics {
		closer, err := sub.Subscribe(ctx, topic, w.Deliver)
		if err != nil {
			return fmt.Errorf("taskrelay: subscribe %s: %w", topic, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, closer)
		w.mu.Unlock()
	}

	return nil
}

// Deliver implements Handler. It waits for a free slot, then runs the task in the
// background. Redeliveries of a task already taken by this worker are skipped.
func (w *Worker) Deliver(ctx context.Context, d Delivery) error {
	msg, err := Decode(w.cfg.Codec, d.Payload)
	if err != nil {
		w.cfg.Logger.Warn("dropping undecodable task", "topic", d.Topic, "err", err)

		return nil
	}
	task, ok := msg.(*Task)
	if !ok {
		w.cfg.Logger.Warn("dropping non-task message on task topic", "topic", d.Topic, "message_type", msg.Header().MessageType)

		return nil
	}
	if w.draining.Load() {
		return fmt.Errorf("taskrelay: worker %s is draining", w.cfg.WorkerID)
	}
	if !w.seen.addIfAbsent(task.TaskID()) {
		w.cfg.Logger.Debug("skipping redelivered task", "task_id", task.TaskID(), "attempt", task.RetryCount)

		return nil
	}

	if err := w.slots.Acquire(ctx, 1); err != nil {
		// Not taken; a redelivery may still run it.
		w.seen.forget(task.TaskID())

		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.slots.Release(1)
		w.run(context.WithoutCancel(ctx), task)
	}()

	return nil
}

func (w *Worker) run(ctx context.Context, task *Task) {
	taskID := task.TaskID()
	reporter := NewReporter(w.pub, w.cfg.WorkerID, taskID)

	handler, ok := w.handlers.Lookup(task.TaskType)
	if !ok {
		w.report(taskID, reporter.Failed(ctx, fmt.Sprintf("no handler for task type %q", task.TaskType)))

		return
	}

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if task.TimeoutSeconds > 0 {
		var stop context.CancelFunc
		taskCtx, stop = context.WithTimeout(taskCtx, task.Timeout())
		defer stop()
	}

	w.mu.Lock()
	w.running[taskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, taskID)
		w.mu.Unlock()
	}()

	w.report(taskID, reporter.Started(ctx))

	result, err := w.invoke(taskCtx, handler, task, reporter)
	switch {
	case errors.Is(context.Cause(taskCtx), errCancelRequested):
		w.report(taskID, reporter.Cancelled(ctx, "cancelled by request"))
	case err != nil:
		w.report(taskID, reporter.Failed(ctx, err.Error()))
	default:
		w.report(taskID, reporter.Completed(ctx, result))
	}
}

func (w *Worker) invoke(ctx context.Context, h TaskHandler, task *Task, r *Reporter) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.cfg.Logger.Error("task handler panic", "task_id", task.TaskID(), "panic", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return h.HandleTask(ctx, task, r)
}

func (w *Worker) report(taskID string, err error) {
	if err != nil {
		w.cfg.Logger.Error("task event not published", "task_id", taskID, "err", err)
	}
}

// Cancel interrupts a running task. It reports whether the task was running here.
func (w *Worker) Cancel(taskID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}

	return ok
}

// Running returns the number of tasks in progress.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.running)
}

// Drain stops taking tasks, closes subscriptions and waits for running tasks or ctx.
func (w *Worker) Drain(ctx context.Context) error {
	w.draining.Store(true)

	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	return errors.Join(errs...)
}

// Heartbeat publishes one heartbeat.
func (w *Worker) Heartbeat(ctx context.Context) error {
	status := "ready"
	if w.draining.Load() {
		status = "draining"
	}
	h := NewHeartbeat(w.cfg.WorkerID, status)
	h.Load = float64(w.Running()) / float64(w.cfg.Concurrency)

	return w.pub.Publish(ctx, h)
}

// RunHeartbeats publishes a heartbeat every HeartbeatInterval until ctx is done.
func (w *Worker) RunHeartbeats(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			w.cfg.Logger.Warn("heartbeat not published", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Register routes cancel, drain and ping commands from mux to w.
func (w *Worker) Register(mux *Mux) {
	mux.HandleSystem(CommandCancel, func(_ context.Context, s *System) error {
		if w.Cancel(s.CorrelationID) {
			w.cfg.Logger.Info("task cancelled", "task_id", s.CorrelationID, "reason", s.Args["reason"])
		}

		return nil
	})
	mux.HandleSystem(CommandDrain, func(ctx context.Context, _ *System) error {
		go func() {
			if err := w.Drain(context.WithoutCancel(ctx)); err != nil {
				w.cfg.Logger.Warn("drain finished with errors", "err", err)
			}
		}()

		return nil
	})
	mux.HandleSystem(CommandPing, func(ctx context.Context, _ *System) error {
		return w.Heartbeat(ctx)
	})
}
