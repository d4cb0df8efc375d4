// Package zmq is a taskrelay.Transport over ZeroMQ PUB/SUB.
//
// Every message is sent as two frames: the topic and a msgpack-encoded frame
// carrying the message id, publish time and payload. Publishers connect to the
// XSUB side of a proxy and subscribers to its XPUB side, so every subscriber
// of a topic receives every message. Delivery is at most once: messages
// published while nobody is connected are dropped by ZeroMQ.
package zmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	zmq4 "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/velmie/taskrelay"
)

const (
	defaultRecvTimeout = 100 * time.Millisecond
	defaultMaxAttempts = 3
	defaultRetryDelay  = 50 * time.Millisecond
)

// ErrEndpointRequired is returned when an endpoint is missing.
var ErrEndpointRequired = errors.New("zmq transport: endpoint is required")

// Config configures the transport.
type Config struct {
	// PublishEndpoint is the proxy XSUB endpoint publishers connect to.
	PublishEndpoint string
	// SubscribeEndpoint is the proxy XPUB endpoint subscribers connect to.
	SubscribeEndpoint string
	// RecvTimeout bounds each receive so subscriptions notice cancellation.
	RecvTimeout time.Duration
	// MaxAttempts is how often a handler is called for one message before it is dropped.
	MaxAttempts int
	RetryDelay  time.Duration
	Clock       taskrelay.Clock
	Logger      taskrelay.Logger
}

func (c Config) withDefaults() Config {
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = defaultRecvTimeout
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

type frame struct {
	ID        []byte `msgpack:"id"`
	CreatedAt int64  `msgpack:"ts"`
	Payload   []byte `msgpack:"p"`
}

func encodeFrame(d taskrelay.Delivery) ([]byte, error) {
	return msgpack.Marshal(frame{
		ID:        d.ID[:],
		CreatedAt: d.CreatedAt.UnixNano(),
		Payload:   d.Payload,
	})
}

func decodeFrame(topic string, b []byte) (taskrelay.Delivery, error) {
	var f frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return taskrelay.Delivery{}, err
	}
	id, err := uuid.FromBytes(f.ID)
	if err != nil {
		return taskrelay.Delivery{}, err
	}

	return taskrelay.Delivery{
		ID:        id,
		Topic:     topic,
		Payload:   f.Payload,
		CreatedAt: time.Unix(0, f.CreatedAt).UTC(),
	}, nil
}

// Transport publishes through one PUB socket and opens a SUB socket per subscription.
type Transport struct {
	cfg  Config
	zctx *zmq4.Context

	mu     sync.Mutex
	pub    *zmq4.Socket
	closed bool
	subs   sync.WaitGroup
	done   chan struct{}
}

// New connects the publisher socket.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.PublishEndpoint == "" || cfg.SubscribeEndpoint == "" {
		return nil, ErrEndpointRequired
	}

	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq transport: new context: %w", err)
	}
	pub, err := zctx.NewSocket(zmq4.PUB)
	if err != nil {
		_ = zctx.Term()

		return nil, fmt.Errorf("zmq transport: new pub socket: %w", err)
	}
	_ = pub.SetLinger(0)
	if err := pub.Connect(cfg.PublishEndpoint); err != nil {
		_ = pub.Close()
		_ = zctx.Term()

		return nil, fmt.Errorf("zmq transport: connect %s: %w", cfg.PublishEndpoint, err)
	}

	return &Transport{cfg: cfg, zctx: zctx, pub: pub, done: make(chan struct{})}, nil
}

// Publish implements taskrelay.Publisher.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeFrame(taskrelay.Delivery{
		ID:        uuid.Must(uuid.NewV7()),
		Payload:   payload,
		CreatedAt: t.cfg.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("zmq transport: encode: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return taskrelay.ErrClosed
	}
	if _, err := t.pub.SendMessage(topic, b); err != nil {
		return fmt.Errorf("zmq transport: send %s: %w", topic, err)
	}

	return nil
}

// Subscribe implements taskrelay.Subscriber. ZeroMQ filters by prefix, so
// frames whose topic differs from topic are discarded here.
func (t *Transport) Subscribe(ctx context.Context, topic string, handler taskrelay.DeliveryFunc) (io.Closer, error) {
	if handler == nil {
		return nil, taskrelay.ErrNoHandler
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil, taskrelay.ErrClosed
	}
	sock, err := t.zctx.NewSocket(zmq4.SUB)
	if err != nil {
		t.mu.Unlock()

		return nil, fmt.Errorf("zmq transport: new sub socket: %w", err)
	}
	t.subs.Add(1)
	t.mu.Unlock()

	if err := t.setupSub(sock, topic); err != nil {
		_ = sock.Close()
		t.subs.Done()

		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer t.subs.Done()
		defer close(sub.done)
		defer sock.Close()
		t.receive(ctx, sock, topic, handler)
	}()

	return sub, nil
}

func (t *Transport) setupSub(sock *zmq4.Socket, topic string) error {
	_ = sock.SetLinger(0)
	if err := sock.SetRcvtimeo(t.cfg.RecvTimeout); err != nil {
		return fmt.Errorf("zmq transport: set rcvtimeo: %w", err)
	}
	if err := sock.SetSubscribe(topic); err != nil {
		return fmt.Errorf("zmq transport: subscribe %s: %w", topic, err)
	}
	if err := sock.Connect(t.cfg.SubscribeEndpoint); err != nil {
		return fmt.Errorf("zmq transport: connect %s: %w", t.cfg.SubscribeEndpoint, err)
	}

	return nil
}

func (t *Transport) receive(ctx context.Context, sock *zmq4.Socket, topic string, handler taskrelay.DeliveryFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			switch zmq4.AsErrno(err) {
			case zmq4.Errno(syscall.EAGAIN):
				continue
			case zmq4.ETERM:
				return
			}
			t.cfg.Logger.Warn("zmq transport receive failed", "topic", topic, "err", err)

			continue
		}
		if len(parts) < 2 || string(parts[0]) != topic {
			continue
		}

		d, err := decodeFrame(topic, parts[1])
		if err != nil {
			t.cfg.Logger.Warn("zmq transport dropped undecodable frame", "topic", topic, "err", err)

			continue
		}
		t.deliver(ctx, handler, d)
	}
}

func (t *Transport) deliver(ctx context.Context, handler taskrelay.DeliveryFunc, d taskrelay.Delivery) {
	for {
		err := safeDeliver(ctx, handler, d)
		if err == nil {
			return
		}
		d.Attempts++
		if taskrelay.IsPermanent(err) || d.Attempts >= t.cfg.MaxAttempts {
			t.cfg.Logger.Warn("zmq transport dropped delivery",
				"topic", d.Topic, "id", d.ID, "attempt", d.Attempts, "err", err)

			return
		}

		timer := time.NewTimer(t.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()

			return
		case <-t.done:
			timer.Stop()

			return
		}
	}
}

func safeDeliver(ctx context.Context, handler taskrelay.DeliveryFunc, d taskrelay.Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = taskrelay.Permanent(fmt.Errorf("zmq transport: handler panic: %v", rec))
		}
	}()

	return handler(ctx, d)
}

// Close stops all subscriptions, closes the publisher and terminates the context.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()

		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	t.subs.Wait()

	t.mu.Lock()
	err := t.pub.Close()
	t.mu.Unlock()
	if termErr := t.zctx.Term(); err == nil {
		err = termErr
	}

	return err
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
