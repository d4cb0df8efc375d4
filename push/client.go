package push

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velmie/taskrelay"
)

const defaultRetryAfter = 5 * time.Second

// ErrStreamDropped is reported when the server ended a stream because the client fell behind.
var ErrStreamDropped = errors.New("push: stream dropped by server")

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the API root, for example ws://localhost:8080.
	BaseURL string
	Dialer  *websocket.Dialer
	// RetryAfter is how long Available reports false after a failed dial.
	RetryAfter time.Duration
	Logger     taskrelay.Logger
}

// Client implements taskrelay.PushChannel against a Hub.
type Client struct {
	base       *url.URL
	dialer     *websocket.Dialer
	retryAfter time.Duration
	logger     taskrelay.Logger

	// unavailableUntil is a unix nano timestamp.
	unavailableUntil atomic.Int64
}

// NewClient validates the base URL and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("push: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("push: unsupported scheme %q", u.Scheme)
	}

	c := &Client{base: u, dialer: cfg.Dialer, retryAfter: cfg.RetryAfter, logger: cfg.Logger}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.retryAfter <= 0 {
		c.retryAfter = defaultRetryAfter
	}
	if c.logger == nil {
		c.logger = taskrelay.NopLogger{}
	}

	return c, nil
}

// Available implements taskrelay.PushChannel.
func (c *Client) Available() bool {
	return time.Now().UnixNano() >= c.unavailableUntil.Load()
}

// StreamURL returns the stream endpoint of taskID.
func (c *Client) StreamURL(taskID string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/v1/tasks/" + taskID + "/ws"
	u.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + "/v1/tasks/" + url.PathEscape(taskID) + "/ws"

	return u.String()
}

// Subscribe implements taskrelay.PushChannel. handler is called from a single goroutine.
func (c *Client) Subscribe(ctx context.Context, taskID string, handler func(taskrelay.TaskStatus)) (taskrelay.PushSubscription, error) {
	if taskID == "" {
		return nil, taskrelay.ErrTaskIDRequired
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.StreamURL(taskID), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.unavailableUntil.Store(time.Now().Add(c.retryAfter).UnixNano())

		return nil, fmt.Errorf("push: dial: %w", err)
	}

	sub := &clientSubscription{conn: conn, done: make(chan struct{})}
	go sub.read(taskID, handler, c.logger)

	return sub, nil
}

type clientSubscription struct {
	conn *websocket.Conn
	done chan struct{}

	once   sync.Once
	closed atomic.Bool
	mu     sync.Mutex
	err    error
}

func (s *clientSubscription) read(taskID string, handler func(taskrelay.TaskStatus), logger taskrelay.Logger) {
	defer close(s.done)
	defer s.conn.Close()

	for {
		var status taskrelay.TaskStatus
		if err := s.conn.ReadJSON(&status); err != nil {
			s.finish(err)

			return
		}
		handler(status)
		if status.Terminal() {
			logger.Debug("push stream reached terminal status", "task_id", taskID, "status", status.Status)

			return
		}
	}
}

func (s *clientSubscription) finish(err error) {
	if s.closed.Load() {
		return
	}

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure:
		err = nil
	case errors.As(err, &ce) && ce.Code == CloseNotFound:
		err = taskrelay.ErrTaskNotFound
	case errors.As(err, &ce) && ce.Code == CloseDropped:
		err = ErrStreamDropped
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close closes the connection. Done is closed once the reader has stopped.
func (s *clientSubscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *clientSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *clientSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}
