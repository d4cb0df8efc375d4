package taskrelay

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultWatchdogInterval = time.Second

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	// Interval is the delay between expiry sweeps in Run.
	Interval time.Duration
	// StoreTimeout bounds each status update.
	StoreTimeout time.Duration
	Clock        Clock
	Logger       Logger
	Metrics      Metrics
}

// Watchdog fails tasks that reach their deadline without a terminal event.
type Watchdog struct {
	updater StatusUpdater
	cfg     WatchdogConfig

	mu    sync.Mutex
	queue deadlineQueue
	index map[string]*deadline
}

type deadline struct {
	taskID string
	at     time.Time
	pos    int
}

// NewWatchdog returns a Watchdog that fails expired tasks through updater.
func NewWatchdog(updater StatusUpdater, cfg WatchdogConfig) *Watchdog {
	if updater == nil {
		panic("taskrelay: nil StatusUpdater")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWatchdogInterval
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}

	return &Watchdog{updater: updater, cfg: cfg, index: make(map[string]*deadline)}
}

// Track schedules taskID to expire at the given time. Tracking again moves the deadline.
func (w *Watchdog) Track(taskID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.index[taskID]; ok {
		d.at = at
		heap.Fix(&w.queue, d.pos)

		return
	}
	d := &deadline{taskID: taskID, at: at}
	heap.Push(&w.queue, d)
	w.index[taskID] = d
}

// Resume tracks every live record of registry that has a timeout, so deadlines set
// before a restart still expire. It returns the number of tasks tracked.
func (w *Watchdog) Resume(ctx context.Context, registry *Registry) (int, error) {
	tracked := 0
	err := registry.ScanLive(ctx, func(rec Record) error {
		if at, ok := rec.Deadline(); ok {
			w.Track(rec.TaskID, at)
			tracked++
		}

		return nil
	})
	if err != nil {
		return tracked, fmt.Errorf("taskrelay: resume deadlines: %w", err)
	}
	w.cfg.Logger.Info("watchdog resumed deadlines", "tasks", tracked)

	return tracked, nil
}

// Forget stops tracking taskID.
func (w *Watchdog) Forget(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.index[taskID]; ok {
		heap.Remove(&w.queue, d.pos)
		delete(w.index, taskID)
	}
}

// Len returns the number of tracked tasks.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.index)
}

// ExpireDue fails every tracked task whose deadline has passed and returns how many were failed.
// Tasks that already reached a terminal state are dropped silently.
func (w *Watchdog) ExpireDue(ctx context.Context) (int, error) {
	due := w.popDue(w.cfg.Clock.Now())

	var (
		expired int
		errs    []error
	)
	for i, d := range due {
		if err := ctx.Err(); err != nil {
			w.requeue(due[i:])

			return expired, err
		}

		updCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
		_, err := w.updater.Apply(updCtx, d.taskID, Update{
			Status: StatusFailed,
			Error:  fmt.Sprintf("%v: no terminal event by %s", ErrTaskTimeout, d.at.Format(time.RFC3339)),
		})
		cancel()

		switch {
		case err == nil:
			expired++
			w.cfg.Metrics.AddTaskExpired()
			w.cfg.Logger.Warn("task expired", "task_id", d.taskID, "deadline", d.at)
		case errors.Is(err, ErrTerminalState), errors.Is(err, ErrTaskNotFound):
		default:
			w.requeue([]*deadline{d})
			errs = append(errs, fmt.Errorf("expire %s: %w", d.taskID, err))
		}
	}

	return expired, errors.Join(errs...)
}

// Run sweeps for expired tasks every Interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.ExpireDue(ctx); err != nil && ctx.Err() == nil {
				w.cfg.Logger.Warn("watchdog sweep failed", "err", err)
			}
		}
	}
}

func (w *Watchdog) popDue(now time.Time) []*deadline {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []*deadline
	for w.queue.Len() > 0 && !w.queue[0].at.After(now) {
		d := heap.Pop(&w.queue).(*deadline)
		delete(w.index, d.taskID)
		due = append(due, d)
	}

	return due
}

func (w *Watchdog) requeue(ds []*deadline) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, d := range ds {
		if _, ok := w.index[d.taskID]; ok {
			continue
		}
		heap.Push(&w.queue, d)
		w.index[d.taskID] = d
	}
}

type deadlineQueue []*deadline

func (q deadlineQueue) Len() int           { return len(q) }
func (q deadlineQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].pos = i
	q[j].pos = j
}

func (q *deadlineQueue) Push(x any) {
	d := x.(*deadline)
	d.pos = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return d
}
