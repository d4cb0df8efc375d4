package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/velmie/taskrelay/codec"
)

// MessageHandler handles one decoded inbound message.
type MessageHandler func(ctx context.Context, m Message) error

// SystemHandler handles one system command.
type SystemHandler func(ctx context.Context, s *System) error

// MuxConfig configures a Mux.
type MuxConfig struct {
	Codec  codec.Codec
	Logger Logger
}

// Mux decodes transport deliveries and routes them by message type.
// System messages are routed further by command.
type Mux struct {
	cfg MuxConfig

	mu       sync.RWMutex
	handlers map[MessageType]MessageHandler
	commands map[SystemCommand][]SystemHandler
}

// NewMux returns a Mux with no handlers.
func NewMux(cfg MuxConfig) *Mux {
	if cfg.Codec == nil {
		cfg.Codec = DefaultCodec
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}

	m := &Mux{
		cfg:      cfg,
		handlers: make(map[MessageType]MessageHandler),
		commands: make(map[SystemCommand][]SystemHandler),
	}
	m.handlers[MessageTypeSystem] = m.dispatchSystem

	return m
}

// Handle sets the handler for a message type, replacing any earlier one.
func (m *Mux) Handle(t MessageType, h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[t] = h
}

// HandleSystem adds a handler for a system command. Every handler of a command runs.
func (m *Mux) HandleSystem(cmd SystemCommand, h SystemHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[cmd] = append(m.commands[cmd], h)
}

// Dispatch routes a decoded message.
func (m *Mux) Dispatch(ctx context.Context, msg Message) error {
	if err := Validate(msg); err != nil {
		return err
	}

	m.mu.RLock()
	h, ok := m.handlers[msg.Header().MessageType]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: message type %s", ErrNoHandler, msg.Header().MessageType)
	}

	return h(ctx, msg)
}

// Deliver implements Handler.
//
// Messages that can never succeed are acknowledged and dropped: malformed payloads,
// duplicates, stale or post-terminal updates, unknown tasks and unhandled types.
// Other errors are returned so the transport redelivers.
func (m *Mux) Deliver(ctx context.Context, d Delivery) error {
	msg, err := Decode(m.cfg.Codec, d.Payload)
	if err != nil {
		m.cfg.Logger.Warn("dropping undecodable message", "topic", d.Topic, "delivery_id", d.ID, "err", err)

		return nil
	}

	err = m.Dispatch(ctx, msg)
	if err == nil {
		return nil
	}
	if isDroppable(err) {
		m.cfg.Logger.Debug("dropping message", "topic", d.Topic, "message_id", msg.Header().MessageID,
			"correlation_id", msg.Header().CorrelationID, "err", err)

		return nil
	}

	m.cfg.Logger.Warn("message handling failed", "topic", d.Topic, "message_id", msg.Header().MessageID,
		"correlation_id", msg.Header().CorrelationID, "attempt", d.Attempts+1, "err", err)

	return err
}

func (m *Mux) dispatchSystem(ctx context.Context, msg Message) error {
	s, ok := msg.(*System)
	if !ok {
		return fmt.Errorf("%w: %T", ErrInvalidMessage, msg)
	}

	m.mu.RLock()
	handlers := append([]SystemHandler(nil), m.commands[s.Command]...)
	m.mu.RUnlock()
	if len(handlers) == 0 {
		return fmt.Errorf("%w: command %s", ErrNoHandler, s.Command)
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func isDroppable(err error) bool {
	return errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrDuplicateMessage) ||
		errors.Is(err, ErrStaleUpdate) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrNoHandler) ||
		IsPermanent(err)
}

// Register routes events and responses from mux to p.
func (p *Propagator) Register(mux *Mux) {
	mux.Handle(MessageTypeEvent, func(ctx context.Context, m Message) error {
		e, ok := m.(*Event)
		if !ok {
			return fmt.Errorf("%w: %T", ErrInvalidMessage, m)
		}
		_, err := p.HandleEvent(ctx, e)

		return err
	})
	mux.Handle(MessageTypeResponse, func(ctx context.Context, m Message) error {
		r, ok := m.(*Response)
		if !ok {
			return fmt.Errorf("%w: %T", ErrInvalidMessage, m)
		}
		_, err := p.HandleResponse(ctx, r)

		return err
	})
}
