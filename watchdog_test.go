package taskrelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdogExpiresOverdueTasks(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := NewRegistry(newMapStore(), RegistryConfig{Clock: clock})
	w := NewWatchdog(registry, WatchdogConfig{Clock: clock})

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := registry.Create(ctx, CreateRequest{TaskID: id, TaskType: "render", TimeoutSeconds: 10})
		require.NoError(t, err)
	}
	w.Track("a", clock.Now().Add(5*time.Second))
	w.Track("b", clock.Now().Add(20*time.Second))
	w.Track("c", clock.Now().Add(10*time.Second))
	require.Equal(t, 3, w.Len())

	n, err := w.ExpireDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(10 * time.Second)
	n, err = w.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 1, w.Len())

	for id, want := range map[string]Status{"a": StatusFailed, "b": StatusQueued, "c": StatusFailed} {
		rec, err := registry.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, rec.Status, id)
	}
	rec, err := registry.Get(ctx, "a")
	require.NoError(t, err)
	require.Contains(t, rec.Error, ErrTaskTimeout.Error())
}

func TestWatchdogTrackMovesDeadline(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := NewRegistry(newMapStore(), RegistryConfig{Clock: clock})
	_, _, err := registry.Create(context.Background(), CreateRequest{TaskID: "a", TaskType: "render"})
	require.NoError(t, err)

	w := NewWatchdog(registry, WatchdogConfig{Clock: clock})
	w.Track("a", clock.Now().Add(time.Second))
	w.Track("a", clock.Now().Add(time.Minute))
	require.Equal(t, 1, w.Len())

	clock.Advance(2 * time.Second)
	n, err := w.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	w.Forget("a")
	require.Zero(t, w.Len())
	w.Forget("a")
}

func TestWatchdogSkipsFinishedAndMissingTasks(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := NewRegistry(newMapStore(), RegistryConfig{Clock: clock})
	_, _, err := registry.Create(ctx, CreateRequest{TaskID: "done", TaskType: "render"})
	require.NoError(t, err)
	_, err = registry.Update(ctx, "done", Update{Status: StatusCompleted})
	require.NoError(t, err)

	w := NewWatchdog(registry, WatchdogConfig{Clock: clock})
	w.Track("done", clock.Now())
	w.Track("gone", clock.Now())

	n, err := w.ExpireDue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, w.Len())

	rec, err := registry.Get(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rec.Status)
}

type failingUpdater struct {
	err   error
	calls int
}

func (u *failingUpdater) Apply(context.Context, string, Update) (Record, error) {
	u.calls++

	return Record{}, u.err
}

func TestWatchdogRequeuesOnStoreError(t *testing.T) {
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	updater := &failingUpdater{err: errors.New("store unavailable")}
	w := NewWatchdog(updater, WatchdogConfig{Clock: clock})
	w.Track("a", clock.Now())

	n, err := w.ExpireDue(context.Background())
	require.ErrorContains(t, err, "store unavailable")
	require.Zero(t, n)
	require.Equal(t, 1, w.Len())

	updater.err = nil
	n, err = w.ExpireDue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, updater.calls)
	require.Zero(t, w.Len())
}

func TestWatchdogRunStopsWithContext(t *testing.T) {
	w := NewWatchdog(&failingUpdater{}, WatchdogConfig{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// getOnlyStore hides Scan from the wrapped store.
type getOnlyStore struct{ Store }

func TestWatchdogResumeTracksLiveDeadlines(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newMapStore()

	// Records written by an earlier process.
	before := NewRegistry(store, RegistryConfig{Clock: clock})
	for id, timeout := range map[string]int{"slow": 30, "quick": 5, "untimed": 0, "done": 5} {
		_, _, err := before.Create(ctx, CreateRequest{TaskID: id, TaskType: "render", TimeoutSeconds: timeout})
		require.NoError(t, err)
	}
	_, err := before.Update(ctx, "done", Update{Status: StatusCompleted})
	require.NoError(t, err)

	registry := NewRegistry(store, RegistryConfig{Clock: clock})
	w := NewWatchdog(registry, WatchdogConfig{Clock: clock})
	n, err := w.Resume(ctx, registry)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, w.Len())

	clock.Advance(10 * time.Second)
	expired, err := w.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	for id, want := range map[string]Status{"quick": StatusFailed, "slow": StatusQueued, "untimed": StatusQueued, "done": StatusCompleted} {
		rec, err := registry.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, rec.Status, id)
	}
}

func TestWatchdogResumeNeedsScanner(t *testing.T) {
	registry := NewRegistry(getOnlyStore{newMapStore()}, RegistryConfig{})
	w := NewWatchdog(registry, WatchdogConfig{})

	_, err := w.Resume(context.Background(), registry)
	require.ErrorIs(t, err, ErrScanUnsupported)
}
