// Package push streams task status changes over WebSocket.
//
// Hub is the server side: each connection follows one task and receives the
// current status followed by every change, as JSON text frames, until the task
// is terminal. Client is the matching taskrelay.PushChannel.
package push

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/velmie/taskrelay"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	maxClientMessage    = 512
)

// Close codes sent when a stream ends before the task is terminal.
const (
	// CloseDropped means the client fell behind and was dropped; it should poll.
	CloseDropped = 4001
	// CloseNotFound means the task does not exist.
	CloseNotFound = 4004
)

// HubConfig configures a Hub.
type HubConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin is passed to the upgrader. Nil accepts same-origin requests only.
	CheckOrigin func(r *http.Request) bool
	Logger      taskrelay.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Logger == nil {
		c.Logger = taskrelay.NopLogger{}
	}

	return c
}

// Hub upgrades HTTP requests to status streams.
type Hub struct {
	source   taskrelay.StatusSource
	push     taskrelay.PushChannel
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

// NewHub returns a Hub that reads current status from source and changes from push.
func NewHub(source taskrelay.StatusSource, push taskrelay.PushChannel, cfg HubConfig) *Hub {
	cfg = cfg.withDefaults()

	return &Hub{
		source:   source,
		push:     push,
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP streams the task named by the "id" path value.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		http.Error(w, taskrelay.ErrTaskIDRequired.Error(), http.StatusBadRequest)

		return
	}
	if !h.push.Available() {
		http.Error(w, "push unavailable", http.StatusServiceUnavailable)

		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Warn("websocket upgrade failed", "task_id", taskID, "err", err)

		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.wg.Done()
	}()

	h.stream(r.Context(), conn, taskID)
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, taskID string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The reader only watches for the client going away.
	conn.SetReadLimit(maxClientMessage)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := make(chan taskrelay.TaskStatus, 16)
	sub, err := h.push.Subscribe(ctx, taskID, func(s taskrelay.TaskStatus) {
		select {
		case updates <- s:
		case <-ctx.Done():
		}
	})
	if err != nil {
		h.closeWith(conn, websocket.CloseTryAgainLater, err.Error())

		return
	}
	defer sub.Close()

	current, err := h.source.GetStatus(ctx, taskID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, taskrelay.ErrTaskNotFound) {
			code = CloseNotFound
		}
		h.closeWith(conn, code, err.Error())

		return
	}
	if err := h.write(conn, current); err != nil || current.Terminal() {
		h.closeWith(conn, websocket.CloseNormalClosure, "")

		return
	}
	last := current

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case s := <-updates:
			if s.UpdatedAt.Before(last.UpdatedAt) {
				continue
			}
			last = s
			if err := h.write(conn, s); err != nil {
				h.cfg.Logger.Debug("websocket write failed", "task_id", taskID, "err", err)

				return
			}
			if s.Terminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, "")

				return
			}
		case <-sub.Done():
			for pending := len(updates); pending > 0; pending-- {
				s := <-updates
				if err := h.write(conn, s); err != nil {
					return
				}
				if s.Terminal() {
					h.closeWith(conn, websocket.CloseNormalClosure, "")

					return
				}
			}
			code := websocket.CloseGoingAway
			if errors.Is(sub.Err(), taskrelay.ErrSubscriberDropped) {
				code = CloseDropped
			}
			h.closeWith(conn, code, errString(sub.Err()))

			return
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, s taskrelay.TaskStatus) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}

	return conn.WriteJSON(s)
}

func (h *Hub) closeWith(conn *websocket.Conn, code int, text string) {
	// Control frame payloads are limited to 125 bytes, two of which hold the code.
	if len(text) > 123 {
		text = text[:123]
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
}

// Connections returns the number of open streams.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.conns)
}

// Close ends every open stream and waits for their handlers to return.
func (h *Hub) Close() error {
	h.mu.Lock()
	for conn := range h.conns {
		h.closeWith(conn, websocket.CloseGoingAway, "shutting down")
		_ = conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()

	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
