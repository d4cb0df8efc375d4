package taskrelay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// capturePublisher records published messages and forwards events to an optional propagator.
type capturePublisher struct {
	mu       sync.Mutex
	messages []Message
	forward  *Propagator
}

func (c *capturePublisher) Publish(ctx context.Context, m Message) error {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	c.mu.Unlock()

	if e, ok := m.(*Event); ok && c.forward != nil {
		_, err := c.forward.HandleEvent(ctx, e)

		return err
	}

	return nil
}

func (c *capturePublisher) events(taskID string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Event
	for _, m := range c.messages {
		if e, ok := m.(*Event); ok && e.CorrelationID == taskID {
			out = append(out, e)
		}
	}

	return out
}

func (c *capturePublisher) kinds(taskID string) []EventKind {
	var out []EventKind
	for _, e := range c.events(taskID) {
		out = append(out, e.Kind)
	}

	return out
}

func taskDelivery(t *testing.T, task *Task) Delivery {
	t.Helper()

	d := deliveryOf(t, task)
	d.Topic = "tasks." + task.TaskType

	return d
}

func TestWorkerRunsHandlerAndReportsEvents(t *testing.T) {
	ctx := context.Background()
	p, registry, _ := newTestPropagator(t, PropagatorConfig{})
	pub := &capturePublisher{forward: p}

	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(ctx context.Context, task *Task, r *Reporter) (json.RawMessage, error) {
		if err := r.Progress(ctx, 50); err != nil {
			return nil, err
		}

		return json.RawMessage(`{"pages":3}`), nil
	})
	w := NewWorker(handlers, pub, WorkerConfig{WorkerID: "worker-1"})

	task := NewTask("client", "render", nil)
	_, _, err := registry.Create(ctx, CreateRequest{TaskID: task.TaskID(), TaskType: "render"})
	require.NoError(t, err)

	sub := p.Subscribe(context.Background(), task.TaskID(), func(TaskStatus) {})
	require.NoError(t, w.Deliver(ctx, taskDelivery(t, task)))
	waitDone(t, sub)

	require.Equal(t, []EventKind{EventStarted, EventProgress, EventCompleted}, pub.kinds(task.TaskID()))
	for i, e := range pub.events(task.TaskID()) {
		require.Equal(t, uint64(i+1), e.Sequence)
		require.Equal(t, "worker-1", e.SenderID)
	}

	rec, err := registry.Get(ctx, task.TaskID())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
	require.JSONEq(t, `{"pages":3}`, string(rec.Result))
}

func TestWorkerReportsHandlerFailures(t *testing.T) {
	handlers := NewHandlerMux()
	handlers.HandleFunc("boom", func(context.Context, *Task, *Reporter) (json.RawMessage, error) {
		return nil, errors.New("model overloaded")
	})
	handlers.HandleFunc("panic", func(context.Context, *Task, *Reporter) (json.RawMessage, error) {
		panic("nil map")
	})

	cases := map[string]string{
		"boom":    "model overloaded",
		"panic":   "handler panic: nil map",
		"unknown": `no handler for task type "unknown"`,
	}
	for taskType, wantErr := range cases {
		t.Run(taskType, func(t *testing.T) {
			pub := &capturePublisher{}
			w := NewWorker(handlers, pub, WorkerConfig{})

			task := NewTask("client", taskType, nil)
			require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task)))
			require.NoError(t, w.Drain(context.Background()))

			events := pub.events(task.TaskID())
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			require.Equal(t, EventFailed, last.Kind)
			require.Equal(t, wantErr, last.Error)
		})
	}
}

func TestWorkerSkipsRedeliveredTask(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(context.Context, *Task, *Reporter) (json.RawMessage, error) {
		mu.Lock()
		runs++
		mu.Unlock()

		return nil, nil
	})
	w := NewWorker(handlers, &capturePublisher{}, WorkerConfig{})

	task := NewTask("client", "render", nil)
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task)))
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task)))

	// A retry carries a new message id but the same task.
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task.Retry())))
	require.NoError(t, w.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, runs)
}

func TestWorkerConcurrentRedeliveryRunsOnce(t *testing.T) {
	var (
		mu   sync.Mutex
		runs int
	)
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(context.Context, *Task, *Reporter) (json.RawMessage, error) {
		mu.Lock()
		runs++
		mu.Unlock()

		return nil, nil
	})
	w := NewWorker(handlers, &capturePublisher{}, WorkerConfig{Concurrency: 8})

	task := NewTask("client", "render", nil)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := w.Deliver(context.Background(), taskDelivery(t, task)); err != nil {
				t.Errorf("deliver: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.NoError(t, w.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, runs)
}

func TestWorkerRedeliveryAfterAbandonedWaitRuns(t *testing.T) {
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		runs = map[string]int{}
	)
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(_ context.Context, task *Task, _ *Reporter) (json.RawMessage, error) {
		mu.Lock()
		runs[task.TaskID()]++
		first := runs[task.TaskID()] == 1 && len(runs) == 1
		mu.Unlock()
		if first {
			<-release
		}

		return nil, nil
	})
	w := NewWorker(handlers, &capturePublisher{}, WorkerConfig{Concurrency: 1})

	busy := NewTask("client", "render", nil)
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, busy)))
	require.Eventually(t, func() bool { return w.Running() == 1 }, time.Second, time.Millisecond)

	waiting := NewTask("client", "render", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Deliver(ctx, taskDelivery(t, waiting)), context.DeadlineExceeded)

	close(release)
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, waiting.Retry())))
	require.NoError(t, w.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, runs[busy.TaskID()])
	require.Equal(t, 1, runs[waiting.TaskID()])
}

func TestWorkerLimitsConcurrency(t *testing.T) {
	release := make(chan struct{})
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(ctx context.Context, _ *Task, _ *Reporter) (json.RawMessage, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()

		return nil, nil
	})
	w := NewWorker(handlers, &capturePublisher{}, WorkerConfig{Concurrency: 2})

	delivered := make(chan error, 4)
	for range 4 {
		go func() {
			delivered <- w.Deliver(context.Background(), taskDelivery(t, NewTask("client", "render", nil)))
		}()
	}

	require.Eventually(t, func() bool { return w.Running() == 2 }, time.Second, time.Millisecond)
	close(release)
	for range 4 {
		require.NoError(t, <-delivered)
	}
	require.NoError(t, w.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, peak)
}

func TestWorkerCancelCommand(t *testing.T) {
	started := make(chan struct{})
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(ctx context.Context, _ *Task, _ *Reporter) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})
	pub := &capturePublisher{}
	w := NewWorker(handlers, pub, WorkerConfig{WorkerID: "worker-1"})
	mux := NewMux(MuxConfig{})
	w.Register(mux)

	task := NewTask("client", "render", nil)
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task)))
	<-started

	cancel := NewSystem("dispatcher", CommandCancel)
	cancel.CorrelationID = task.TaskID()
	require.NoError(t, mux.Deliver(context.Background(), deliveryOf(t, cancel)))
	require.NoError(t, w.Drain(context.Background()))

	require.Equal(t, []EventKind{EventStarted, EventCancelled}, pub.kinds(task.TaskID()))
	require.False(t, w.Cancel(task.TaskID()))
}

func TestWorkerTaskTimeout(t *testing.T) {
	handlers := NewHandlerMux()
	handlers.HandleFunc("render", func(ctx context.Context, _ *Task, _ *Reporter) (json.RawMessage, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
	pub := &capturePublisher{}
	w := NewWorker(handlers, pub, WorkerConfig{})

	task := NewTask("client", "render", nil)
	task.TimeoutSeconds = 1
	require.NoError(t, w.Deliver(context.Background(), taskDelivery(t, task)))
	require.NoError(t, w.Drain(context.Background()))

	events := pub.events(task.TaskID())
	require.Len(t, events, 2)
	require.Equal(t, EventFailed, events[1].Kind)
	require.Equal(t, context.DeadlineExceeded.Error(), events[1].Error)
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

type recordingSubscriber struct {
	mu     sync.Mutex
	topics []string
	closed int
}

func (s *recordingSubscriber) Subscribe(_ context.Context, topic string, _ DeliveryFunc) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics = append(s.topics, topic)

	return closerFunc(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed++

		return nil
	}), nil
}

func TestWorkerDrainAndHeartbeat(t *testing.T) {
	pub := &capturePublisher{}
	w := NewWorker(NewHandlerMux(), pub, WorkerConfig{WorkerID: "worker-9", Concurrency: 4})
	sub := &recordingSubscriber{}
	require.NoError(t, w.Start(context.Background(), sub, "tasks.render", "tasks.index"))
	require.Equal(t, []string{"tasks.render", "tasks.index"}, sub.topics)

	mux := NewMux(MuxConfig{})
	w.Register(mux)
	require.NoError(t, mux.Deliver(context.Background(), deliveryOf(t, NewSystem("ops", CommandPing))))

	require.NoError(t, w.Drain(context.Background()))
	require.Equal(t, 2, sub.closed)

	err := w.Deliver(context.Background(), taskDelivery(t, NewTask("client", "render", nil)))
	require.ErrorContains(t, err, "draining")

	require.NoError(t, w.Heartbeat(context.Background()))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.messages, 2)
	first := pub.messages[0].(*Heartbeat)
	require.Equal(t, "worker-9", first.SenderID)
	require.Equal(t, "ready", first.Status)
	second := pub.messages[1].(*Heartbeat)
	require.Equal(t, "draining", second.Status)
}
