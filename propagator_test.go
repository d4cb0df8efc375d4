package taskrelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPropagator(t *testing.T, cfg PropagatorConfig) (*Propagator, *Registry, string) {
	t.Helper()

	registry := NewRegistry(newMapStore(), RegistryConfig{})
	rec, _, err := registry.Create(context.Background(), CreateRequest{TaskID: "task-1", TaskType: "render"})
	require.NoError(t, err)

	return NewPropagator(registry, cfg), registry, rec.TaskID
}

func progressEvent(taskID string, seq uint64, percent int) *Event {
	e := NewEvent("worker-1", taskID, EventProgress)
	e.Sequence = seq
	e.Progress = &percent

	return e
}

func waitDone(t *testing.T, sub *Subscription) {
	t.Helper()

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestPropagatorDeliversInAcceptanceOrder(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{SubscriberBuffer: 128})

	var (
		mu  sync.Mutex
		got []int
	)
	sub := p.Subscribe(context.Background(), taskID, func(s TaskStatus) {
		mu.Lock()
		got = append(got, s.Progress)
		mu.Unlock()
	})

	for i := 1; i <= 99; i++ {
		_, err := p.HandleEvent(context.Background(), progressEvent(taskID, uint64(i), i))
		require.NoError(t, err)
	}
	done := NewEvent("worker-1", taskID, EventCompleted)
	done.Sequence = 100
	_, err := p.HandleEvent(context.Background(), done)
	require.NoError(t, err)

	waitDone(t, sub)
	require.NoError(t, sub.Err())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, progress := range got {
		require.Equal(t, i+1, progress)
	}
	require.Zero(t, p.Subscribers(taskID))
}

func TestPropagatorConcurrentEventsKeepOrderPerSubscriber(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{SubscriberBuffer: 256})

	var (
		mu   sync.Mutex
		seqs [2][]time.Time
	)
	for i := range seqs {
		p.Subscribe(context.Background(), taskID, func(s TaskStatus) {
			mu.Lock()
			seqs[i] = append(seqs[i], s.UpdatedAt)
			mu.Unlock()
		})
	}

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.HandleEvent(context.Background(), progressEvent(taskID, 0, i))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(seqs[0]) == 50 && len(seqs[1]) == 50
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, stream := range seqs {
		for i := 1; i < len(stream); i++ {
			require.False(t, stream[i].Before(stream[i-1]), "update %d delivered out of order", i)
		}
	}
}

func TestPropagatorDropsDuplicateMessages(t *testing.T) {
	p, registry, taskID := newTestPropagator(t, PropagatorConfig{})

	e := progressEvent(taskID, 0, 10)
	_, err := p.HandleEvent(context.Background(), e)
	require.NoError(t, err)

	redelivered := *e
	fifty := 50
	redelivered.Progress = &fifty
	_, err = p.HandleEvent(context.Background(), &redelivered)
	require.ErrorIs(t, err, ErrDuplicateMessage)

	rec, err := registry.Get(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, 10, rec.Progress)
}

func TestPropagatorRejectsStaleAndPostTerminalEvents(t *testing.T) {
	p, registry, taskID := newTestPropagator(t, PropagatorConfig{})
	ctx := context.Background()

	_, err := p.HandleEvent(ctx, progressEvent(taskID, 5, 50))
	require.NoError(t, err)
	_, err = p.HandleEvent(ctx, progressEvent(taskID, 4, 40))
	require.ErrorIs(t, err, ErrStaleUpdate)

	failed := NewEvent("worker-1", taskID, EventFailed)
	failed.Error = "disk full"
	_, err = p.HandleEvent(ctx, failed)
	require.NoError(t, err)

	_, err = p.HandleEvent(ctx, NewEvent("worker-1", taskID, EventCompleted))
	require.ErrorIs(t, err, ErrTerminalState)

	rec, err := registry.Get(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "disk full", rec.Error)
}

func TestPropagatorUnknownTask(t *testing.T) {
	p, _, _ := newTestPropagator(t, PropagatorConfig{})

	_, err := p.HandleEvent(context.Background(), NewEvent("worker-1", "nope", EventStarted))
	require.ErrorIs(t, err, ErrTaskNotFound)

	_, err = p.GetStatus(context.Background(), "nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPropagatorDropsSlowSubscriber(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{SubscriberBuffer: 2})

	release := make(chan struct{})
	slow := p.Subscribe(context.Background(), taskID, func(TaskStatus) { <-release })

	var (
		mu   sync.Mutex
		fast []int
	)
	quick := p.Subscribe(context.Background(), taskID, func(s TaskStatus) {
		mu.Lock()
		fast = append(fast, s.Progress)
		mu.Unlock()
	})

	for i := 1; i <= 10; i++ {
		_, err := p.HandleEvent(context.Background(), progressEvent(taskID, uint64(i), i*5))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()

			return len(fast) == i
		}, 2*time.Second, time.Millisecond)
	}

	close(release)
	waitDone(t, slow)
	require.ErrorIs(t, slow.Err(), ErrSubscriberDropped)
	require.Equal(t, 1, p.Subscribers(taskID))

	quick.Close()
	waitDone(t, quick)
	require.NoError(t, quick.Err())
}

func TestPropagatorSubscriberPanicEndsSubscription(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{})

	sub := p.Subscribe(context.Background(), taskID, func(TaskStatus) { panic("boom") })
	_, err := p.HandleEvent(context.Background(), progressEvent(taskID, 1, 10))
	require.NoError(t, err)

	waitDone(t, sub)
	require.ErrorContains(t, sub.Err(), "boom")
	require.Zero(t, p.Subscribers(taskID))
}

func TestPropagatorApplyReachesSubscribers(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{})

	statuses := make(chan Status, 1)
	sub := p.Subscribe(context.Background(), taskID, func(s TaskStatus) { statuses <- s.Status })

	var updater StatusUpdater = p
	_, err := updater.Apply(context.Background(), taskID, Update{Status: StatusCancelled, Error: "stop"})
	require.NoError(t, err)

	waitDone(t, sub)
	require.Equal(t, StatusCancelled, <-statuses)
}

func TestPropagatorTerminalForgetsWatchdog(t *testing.T) {
	registry := NewRegistry(newMapStore(), RegistryConfig{})
	_, _, err := registry.Create(context.Background(), CreateRequest{TaskID: "task-1", TaskType: "render", TimeoutSeconds: 5})
	require.NoError(t, err)

	watchdog := NewWatchdog(registry, WatchdogConfig{})
	watchdog.Track("task-1", time.Now().Add(time.Hour))
	p := NewPropagator(registry, PropagatorConfig{Watchdog: watchdog})

	_, err = p.HandleResponse(context.Background(), NewResponse("worker-1", "task-1", true))
	require.NoError(t, err)
	require.Zero(t, watchdog.Len())
}

func TestPropagatorClose(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{})

	live := p.Subscribe(context.Background(), taskID, func(TaskStatus) {})
	p.Close()
	waitDone(t, live)
	require.ErrorIs(t, live.Err(), ErrClosed)

	late := p.Subscribe(context.Background(), taskID, func(TaskStatus) {})
	waitDone(t, late)
	require.ErrorIs(t, late.Err(), ErrClosed)
}

func TestPropagatorSubscribeToTerminalTaskEnds(t *testing.T) {
	p, _, taskID := newTestPropagator(t, PropagatorConfig{})
	_, err := p.HandleResponse(context.Background(), NewResponse("worker-1", taskID, true))
	require.NoError(t, err)

	statuses := make(chan Status, 2)
	sub := p.Subscribe(context.Background(), taskID, func(s TaskStatus) { statuses <- s.Status })

	waitDone(t, sub)
	require.NoError(t, sub.Err())
	require.Zero(t, p.Subscribers(taskID))
	require.Len(t, statuses, 1)
	require.Equal(t, StatusCompleted, <-statuses)
}

func TestPropagatorSubscribeToUnknownTaskStaysOpen(t *testing.T) {
	p, registry, _ := newTestPropagator(t, PropagatorConfig{})

	statuses := make(chan Status, 1)
	sub := p.Subscribe(context.Background(), "task-2", func(s TaskStatus) { statuses <- s.Status })
	require.Equal(t, 1, p.Subscribers("task-2"))

	_, _, err := registry.Create(context.Background(), CreateRequest{TaskID: "task-2", TaskType: "render"})
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), "task-2", Update{Status: StatusFailed, Error: "gpu lost"})
	require.NoError(t, err)

	waitDone(t, sub)
	require.Equal(t, StatusFailed, <-statuses)
}
