package taskrelay

import (
	"context"
	"errors"
	"time"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
	pushForwardBuffer      = 64
)

// StatusSource answers point-in-time status queries.
type StatusSource interface {
	GetStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// PushSubscription is a live registration on a PushChannel.
type PushSubscription interface {
	Close()
	Done() <-chan struct{}
	Err() error
}

// PushChannel delivers status changes as they happen. It is optional.
type PushChannel interface {
	// Available reports whether Subscribe is expected to work right now.
	Available() bool
	Subscribe(ctx context.Context, taskID string, handler func(TaskStatus)) (PushSubscription, error)
}

// StatusObserver follows a task until it reaches a terminal state.
type StatusObserver interface {
	// Await calls onUpdate for each observed change and returns the terminal status.
	Await(ctx context.Context, taskID string, onUpdate func(TaskStatus)) (TaskStatus, error)
}

// ObserverConfig configures polling.
type ObserverConfig struct {
	// PollInterval is the first wait between polls.
	PollInterval time.Duration
	// MaxPollInterval caps the wait as it doubles between unchanged polls.
	MaxPollInterval time.Duration
	Logger          Logger
}

func (c ObserverConfig) withDefaults() ObserverConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(c.PollInterval, defaultMaxPollInterval)
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}

	return c
}

// SelectObserver returns a PushObserver when push is available and a PollObserver otherwise.
func SelectObserver(source StatusSource, push PushChannel, cfg ObserverConfig) StatusObserver {
	if push != nil && push.Available() {
		return NewPushObserver(source, push, cfg)
	}

	return NewPollObserver(source, cfg)
}

// PollObserver queries a StatusSource at a bounded interval and stops at a terminal status.
type PollObserver struct {
	source StatusSource
	cfg    ObserverConfig
}

// NewPollObserver returns a polling observer.
func NewPollObserver(source StatusSource, cfg ObserverConfig) *PollObserver {
	if source == nil {
		panic("taskrelay: nil StatusSource")
	}

	return &PollObserver{source: source, cfg: cfg.withDefaults()}
}

// Await implements StatusObserver.
func (o *PollObserver) Await(ctx context.Context, taskID string, onUpdate func(TaskStatus)) (TaskStatus, error) {
	return o.await(ctx, taskID, onUpdate, TaskStatus{})
}

func (o *PollObserver) await(ctx context.Context, taskID string, onUpdate func(TaskStatus), last TaskStatus) (TaskStatus, error) {
	wait := o.cfg.PollInterval
	for {
		status, err := o.source.GetStatus(ctx, taskID)
		switch {
		case err == nil:
			if changed(last, status) {
				last = status
				wait = o.cfg.PollInterval
				if onUpdate != nil {
					onUpdate(status)
				}
			} else {
				wait = min(wait*2, o.cfg.MaxPollInterval)
			}
			if status.Terminal() {
				return status, nil
			}
		case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrTaskIDRequired):
			return last, err
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			o.cfg.Logger.Warn("status poll failed", "task_id", taskID, "err", err)
		}

		if err := sleep(ctx, wait); err != nil {
			return last, err
		}
	}
}

// PushObserver follows a task through a PushChannel and falls back to polling when the
// channel is unavailable or drops the subscription.
type PushObserver struct {
	source StatusSource
	push   PushChannel
	poll   *PollObserver
	cfg    ObserverConfig
}

// NewPushObserver returns a push observer with a polling fallback.
func NewPushObserver(source StatusSource, push PushChannel, cfg ObserverConfig) *PushObserver {
	if push == nil {
		panic("taskrelay: nil PushChannel")
	}

	cfg = cfg.withDefaults()

	return &PushObserver{source: source, push: push, poll: NewPollObserver(source, cfg), cfg: cfg}
}

// Await implements StatusObserver.
func (o *PushObserver) Await(ctx context.Context, taskID string, onUpdate func(TaskStatus)) (TaskStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan TaskStatus, pushForwardBuffer)
	sub, err := o.push.Subscribe(ctx, taskID, func(s TaskStatus) {
		select {
		case updates <- s:
		case <-ctx.Done():
		}
	})
	if err != nil {
		o.cfg.Logger.Info("push unavailable; polling", "task_id", taskID, "err", err)

		return o.poll.Await(ctx, taskID, onUpdate)
	}
	defer sub.Close()

	var last TaskStatus
	emit := func(s TaskStatus) bool {
		if changed(last, s) {
			last = s
			if onUpdate != nil {
				onUpdate(s)
			}
		}

		return s.Terminal()
	}

	// Catch up on anything that happened before the subscription existed.
	current, err := o.source.GetStatus(ctx, taskID)
	if err != nil {
		return last, err
	}
	if emit(current) {
		return current, nil
	}

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case s := <-updates:
			if emit(s) {
				return s, nil
			}
		case <-sub.Done():
			for pending := len(updates); pending > 0; pending-- {
				if s := <-updates; emit(s) {
					return s, nil
				}
			}
			o.cfg.Logger.Info("push subscription ended; polling", "task_id", taskID, "err", sub.Err())

			return o.poll.await(ctx, taskID, onUpdate, last)
		}
	}
}

// changed reports whether next is newer than prev.
func changed(prev, next TaskStatus) bool {
	if prev.Status == "" {
		return true
	}
	if prev.Terminal() {
		return false
	}
	if next.UpdatedAt.Before(prev.UpdatedAt) {
		return false
	}

	return next.Status != prev.Status || next.Progress != prev.Progress || next.UpdatedAt.After(prev.UpdatedAt)
}

// LocalPush exposes a Propagator as an in-process PushChannel.
func LocalPush(p *Propagator) PushChannel {
	return localPush{p: p}
}

type localPush struct {
	p *Propagator
}

func (l localPush) Available() bool {
	l.p.mu.RLock()
	defer l.p.mu.RUnlock()

	return !l.p.closed
}

func (l localPush) Subscribe(ctx context.Context, taskID string, handler func(TaskStatus)) (PushSubscription, error) {
	if !l.Available() {
		return nil, ErrClosed
	}

	return l.p.Subscribe(ctx, taskID, handler), nil
}
