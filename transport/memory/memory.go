// Package memory is an in-process taskrelay.Transport.
//
// Each topic is a bounded queue shared by its subscribers, so every delivery
// goes to one subscriber. A handler error redelivers the message after
// RetryDelay until MaxAttempts is reached, then it is dead-lettered.
// Messages published before anyone subscribes wait in the queue.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/taskrelay"
)

const (
	defaultBuffer      = 256
	defaultMaxAttempts = 5
	defaultRetryDelay  = 10 * time.Millisecond
)

// Config tunes the transport.
type Config struct {
	// Buffer is the queue capacity per topic. Publish blocks while it is full.
	Buffer      int
	MaxAttempts int
	RetryDelay  time.Duration
	Clock       taskrelay.Clock
	Logger      taskrelay.Logger
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Clock == nil {
		c.Clock = taskrelay.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = taskrelay.NopLogger{}
	}

	return c
}

// DeadLetter is a delivery that failed MaxAttempts times.
type DeadLetter struct {
	Delivery taskrelay.Delivery
	Err      error
}

// Transport implements taskrelay.Transport in memory.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]chan taskrelay.Delivery
	dead   []DeadLetter
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ taskrelay.Transport = (*Transport)(nil)

// New constructs an empty transport.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg.withDefaults(),
		topics: make(map[string]chan taskrelay.Delivery),
		done:   make(chan struct{}),
	}
}

func (t *Transport) queue(topic string) (chan taskrelay.Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.queueLocked(topic)
}

func (t *Transport) queueLocked(topic string) (chan taskrelay.Delivery, error) {
	if t.closed {
		return nil, taskrelay.ErrClosed
	}
	q, ok := t.topics[topic]
	if !ok {
		q = make(chan taskrelay.Delivery, t.cfg.Buffer)
		t.topics[topic] = q
	}

	return q, nil
}

// Publish implements taskrelay.Publisher.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	q, err := t.queue(topic)
	if err != nil {
		return err
	}

	d := taskrelay.Delivery{
		ID:        uuid.Must(uuid.NewV7()),
		Topic:     topic,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: t.cfg.Clock.Now(),
	}

	return t.enqueue(ctx, q, d)
}

func (t *Transport) enqueue(ctx context.Context, q chan taskrelay.Delivery, d taskrelay.Delivery) error {
	select {
	case q <- d:
		return nil
	case <-t.done:
		return taskrelay.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements taskrelay.Subscriber.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler taskrelay.DeliveryFunc) (io.Closer, error) {
	if handler == nil {
		return nil, taskrelay.ErrNoHandler
	}
	t.mu.Lock()
	q, err := t.queueLocked(topic)
	if err != nil {
		t.mu.Unlock()

		return nil, err
	}
	t.wg.Add(1)
	t.mu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer t.wg.Done()
		defer close(sub.done)
		t.consume(ctx, q, handler)
	}()

	return sub, nil
}

func (t *Transport) consume(ctx context.Context, q chan taskrelay.Delivery, handler taskrelay.DeliveryFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case d := <-q:
			t.deliver(ctx, q, handler, d)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, q chan taskrelay.Delivery, handler taskrelay.DeliveryFunc, d taskrelay.Delivery) {
	err := safeDeliver(ctx, handler, d)
	if err == nil {
		return
	}

	d.Attempts++
	if taskrelay.IsPermanent(err) || d.Attempts >= t.cfg.MaxAttempts {
		t.cfg.Logger.Warn("memory transport dead-lettered delivery",
			"topic", d.Topic, "id", d.ID, "attempt", d.Attempts, "err", err)
		t.mu.Lock()
		t.dead = append(t.dead, DeadLetter{Delivery: d, Err: err})
		t.mu.Unlock()

		return
	}

	t.cfg.Logger.Debug("memory transport redelivering", "topic", d.Topic, "id", d.ID, "attempt", d.Attempts, "err", err)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTimer(t.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := t.enqueue(context.Background(), q, d); err != nil {
				t.cfg.Logger.Warn("memory transport dropped redelivery", "topic", d.Topic, "id", d.ID, "err", err)
			}
		case <-t.done:
		}
	}()
}

func safeDeliver(ctx context.Context, handler taskrelay.DeliveryFunc, d taskrelay.Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = taskrelay.Permanent(fmt.Errorf("memory transport: handler panic: %v", rec))
		}
	}()

	return handler(ctx, d)
}

// DeadLetters returns a copy of the dead-lettered deliveries.
func (t *Transport) DeadLetters() []DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]DeadLetter(nil), t.dead...)
}

// Pending returns the number of queued deliveries on topic.
func (t *Transport) Pending(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.topics[topic])
}

// Close stops all subscriptions and waits for in-flight handlers.
// Queued deliveries are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.wg.Wait()

	return nil
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the subscription and waits for its in-flight handler.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done

	return nil
}
