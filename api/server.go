// Package api serves the task HTTP interface: submission, status queries,
// long-polling, cancellation, live streams and operational views.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/velmie/taskrelay"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const (
	defaultMaxBodyBytes    = 1 << 20
	defaultAwaitTimeout    = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Settings configures the listener and request limits.
type Settings struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AwaitTimeout caps how long a ?wait=true status query blocks.
	AwaitTimeout time.Duration
	MaxBodyBytes int64
	// SenderID stamps tasks submitted over HTTP.
	SenderID string
}

func (s Settings) withDefaults() Settings {
	if s.AwaitTimeout <= 0 {
		s.AwaitTimeout = defaultAwaitTimeout
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = defaultMaxBodyBytes
	}
	if s.SenderID == "" {
		s.SenderID = "api"
	}

	return s
}

// Dispatcher is the part of taskrelay.Dispatcher the server uses.
type Dispatcher interface {
	Send(ctx context.Context, task *taskrelay.Task) (taskrelay.SendResult, error)
	Cancel(ctx context.Context, taskID, reason string) (taskrelay.Record, error)
	Breakers() *taskrelay.BreakerRegistry
}

// Server wraps the HTTP listener and handlers.
type Server struct {
	settings   Settings
	dispatcher Dispatcher
	source     taskrelay.StatusSource
	push       taskrelay.PushChannel
	stream     http.Handler
	liveness   *taskrelay.LivenessTracker
	metrics    http.Handler
	metricsAt  string
	observer   taskrelay.ObserverConfig
	logger     taskrelay.Logger
	clock      taskrelay.Clock

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithPush enables push-based waiting for ?wait=true queries.
func WithPush(p taskrelay.PushChannel) Option {
	return func(s *Server) {
		s.push = p
	}
}

// WithStreamHandler mounts h at GET /v1/tasks/{id}/ws.
func WithStreamHandler(h http.Handler) Option {
	return func(s *Server) {
		s.stream = h
	}
}

// WithLiveness exposes worker heartbeats at GET /v1/workers.
func WithLiveness(t *taskrelay.LivenessTracker) Option {
	return func(s *Server) {
		s.liveness = t
	}
}

// WithMetricsHandler mounts h at GET path. An empty path means /metrics.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metrics = h
		s.metricsAt = path
	}
}

// WithObserverConfig tunes polling for ?wait=true queries.
func WithObserverConfig(cfg taskrelay.ObserverConfig) Option {
	return func(s *Server) {
		s.observer = cfg
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l taskrelay.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(c taskrelay.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewServer prepares a server over dispatcher and source.
func NewServer(settings Settings, dispatcher Dispatcher, source taskrelay.StatusSource, opts ...Option) *Server {
	if dispatcher == nil {
		panic("api: nil Dispatcher")
	}
	if source == nil {
		panic("api: nil StatusSource")
	}

	s := &Server{
		settings:   settings.withDefaults(),
		dispatcher: dispatcher,
		source:     source,
		logger:     taskrelay.NopLogger{},
		clock:      taskrelay.SystemClock{},
		status:     StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.observer.Logger == nil {
		s.observer.Logger = s.logger
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/breakers", s.handleBreakers)
	if s.stream != nil {
		mux.Handle("GET /v1/tasks/{id}/ws", s.stream)
	}
	if s.liveness != nil {
		mux.HandleFunc("GET /v1/workers", s.handleWorkers)
	}
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsAt, s.metrics)
	}

	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("api: server already started")
	}

	listener, err := net.Listen("tcp", s.settings.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.settings.Addr, err)
	}
	s.listener = listener
	s.startTime = s.clock.Now()

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.server = server
	s.status = StatusReady

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api serve failed", "err", err)
		}
	}()
	s.logger.Info("api listening", "addr", listener.Addr().String())

	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining

	ctx, cancel := context.WithTimeout(ctx, s.settings.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil

	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}

	return int64(s.clock.Now().Sub(s.startTime).Seconds())
}
