package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

const (
	defaultSubscriberBuffer = 32
	defaultLanes            = 64
)

// PropagatorConfig configures a Propagator.
type PropagatorConfig struct {
	// SubscriberBuffer is the number of undelivered updates a subscriber may lag behind
	// before it is dropped.
	SubscriberBuffer int
	// Lanes is the number of per-task lanes; updates of one task always share a lane.
	Lanes int
	// DedupeWindow is the number of recent event message ids remembered.
	DedupeWindow int
	// Watchdog, when set, forgets tasks as soon as they reach a terminal state.
	Watchdog *Watchdog
	Logger   Logger
	Metrics  Metrics
}

func (c PropagatorConfig) withDefaults() PropagatorConfig {
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Lanes <= 0 {
		c.Lanes = defaultLanes
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = defaultDedupeWindow
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// Propagator applies task events to the Registry and pushes the resulting status to
// subscribers. Updates of one task are applied and delivered in acceptance order.
// Delivery never blocks the update path: a subscriber whose buffer is full is dropped.
type Propagator struct {
	registry *Registry
	cfg      PropagatorConfig
	lanes    []sync.Mutex
	recent   *recentIDs

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewPropagator returns a Propagator over registry.
func NewPropagator(registry *Registry, cfg PropagatorConfig) *Propagator {
	if registry == nil {
		panic("taskrelay: nil Registry")
	}

	cfg = cfg.withDefaults()

	return &Propagator{
		registry: registry,
		cfg:      cfg,
		lanes:    make([]sync.Mutex, cfg.Lanes),
		recent:   newRecentIDs(cfg.DedupeWindow),
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

// HandleEvent applies e to the task named by its correlation id and notifies subscribers.
// A message id seen recently fails with ErrDuplicateMessage.
func (p *Propagator) HandleEvent(ctx context.Context, e *Event) (Record, error) {
	if err := Validate(e); err != nil {
		return Record{}, err
	}

	return p.apply(ctx, e.CorrelationID, e.Update(), e.MessageID)
}

// HandleResponse ends the task named by the response's correlation id.
func (p *Propagator) HandleResponse(ctx context.Context, r *Response) (Record, error) {
	if err := Validate(r); err != nil {
		return Record{}, err
	}

	return p.apply(ctx, r.CorrelationID, r.Update(), r.MessageID)
}

// Apply implements StatusUpdater. Changes made through it reach subscribers.
func (p *Propagator) Apply(ctx context.Context, taskID string, u Update) (Record, error) {
	return p.apply(ctx, taskID, u, "")
}

func (p *Propagator) apply(ctx context.Context, taskID string, u Update, messageID string) (Record, error) {
	lane := p.lane(taskID)
	lane.Lock()
	defer lane.Unlock()

	if p.recent.seen(messageID) {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, messageID)
	}

	rec, err := p.registry.Update(ctx, taskID, u)
	if err != nil {
		if errors.Is(err, ErrTerminalState) || errors.Is(err, ErrStaleUpdate) {
			p.recent.add(messageID)
		}

		return rec, err
	}
	p.recent.add(messageID)
	p.cfg.Metrics.AddStatusUpdate(rec.Status)

	status := rec.Snapshot()
	p.fanOut(status)
	if status.Terminal() && p.cfg.Watchdog != nil {
		p.cfg.Watchdog.Forget(taskID)
	}

	return rec, nil
}

// GetStatus returns the current status of taskID.
func (p *Propagator) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	rec, err := p.registry.Get(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}

	return rec.Snapshot(), nil
}

// Subscribe calls handler with every later status of taskID, in order, from a dedicated
// goroutine. The subscription ends after a terminal status, on Close, or when the
// subscriber falls too far behind. A task that is already terminal gets its final
// status once and the subscription ends; ctx bounds that lookup only.
func (p *Propagator) Subscribe(ctx context.Context, taskID string, handler func(TaskStatus)) *Subscription {
	s := newSubscription(p, taskID, p.cfg.SubscriberBuffer)
	defer func() { go s.drain(handler, p.cfg.Logger) }()

	// Holding the lane keeps updates of taskID out until the lookup is done.
	lane := p.lane(taskID)
	lane.Lock()
	defer lane.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.end(ErrClosed)

		return s
	}
	set := p.subs[taskID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		p.subs[taskID] = set
	}
	set[s] = struct{}{}
	p.mu.Unlock()

	rec, err := p.registry.Get(ctx, taskID)
	switch {
	case err == nil && rec.Terminal():
		s.offer(rec.Snapshot())
		p.remove(s)
	case err != nil && !errors.Is(err, ErrTaskNotFound):
		p.cfg.Logger.Warn("status lookup for new subscriber failed", "task_id", taskID, "err", err)
	}

	return s
}

// Subscribers returns the number of live subscriptions for taskID.
func (p *Propagator) Subscribers(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.subs[taskID])
}

// Close ends every subscription with ErrClosed. Later subscriptions end immediately.
func (p *Propagator) Close() {
	p.mu.Lock()
	p.closed = true
	all := p.subs
	p.subs = make(map[string]map[*Subscription]struct{})
	p.mu.Unlock()

	for _, set := range all {
		for s := range set {
			s.end(ErrClosed)
		}
	}
}

func (p *Propagator) fanOut(status TaskStatus) {
	p.mu.RLock()
	set := p.subs[status.TaskID]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	for _, s := range subs {
		if !s.offer(status) {
			p.cfg.Metrics.AddSubscriberDropped()
			p.cfg.Logger.Warn("slow status subscriber dropped", "task_id", status.TaskID)
			p.remove(s)
		}
	}
	if status.Terminal() {
		p.mu.Lock()
		delete(p.subs, status.TaskID)
		p.mu.Unlock()
	}
}

func (p *Propagator) remove(s *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set := p.subs[s.taskID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(p.subs, s.taskID)
		}
	}
}

func (p *Propagator) lane(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))

	return &p.lanes[h.Sum32()%uint32(len(p.lanes))]
}

// Subscription is a live registration for status updates of one task.
type Subscription struct {
	owner  *Propagator
	taskID string
	done   chan struct{}

	mu     sync.Mutex
	ch     chan TaskStatus
	ended  bool
	err    error
	endErr error
}

func newSubscription(owner *Propagator, taskID string, buffer int) *Subscription {
	return &Subscription{
		owner:  owner,
		taskID: taskID,
		done:   make(chan struct{}),
		ch:     make(chan TaskStatus, buffer),
	}
}

// TaskID returns the subscribed task.
func (s *Subscription) TaskID() string {
	return s.taskID
}

// Close stops further deliveries. Updates already queued are still delivered.
func (s *Subscription) Close() {
	s.end(nil)
	if s.owner != nil {
		s.owner.remove(s)
	}
}

// Done is closed once the handler has returned for the last time.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after Close or a terminal status,
// ErrSubscriberDropped for a subscriber that fell behind, ErrClosed after Propagator.Close.
// It is meaningful once Done is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.endErr
}

// offer queues status without blocking. It reports false when the subscriber was dropped.
func (s *Subscription) offer(status TaskStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return true
	}
	select {
	case s.ch <- status:
		return true
	default:
		s.endLocked(ErrSubscriberDropped)

		return false
	}
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	s.endLocked(err)
	s.mu.Unlock()
}

func (s *Subscription) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
}

func (s *Subscription) drain(handler func(TaskStatus), logger Logger) {
	var handlerErr error
	defer func() {
		s.mu.Lock()
		s.endErr = s.err
		if handlerErr != nil {
			s.endErr = handlerErr
		}
		s.mu.Unlock()
		close(s.done)
	}()

	for status := range s.ch {
		if err := s.deliver(handler, status); err != nil {
			logger.Error("status subscriber panicked", "task_id", s.taskID, "err", err)
			handlerErr = err
			s.Close()
			for range s.ch {
			}

			return
		}
		if status.Terminal() {
			s.Close()
		}
	}
}

func (s *Subscription) deliver(handler func(TaskStatus), status TaskStatus) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("taskrelay: subscriber panic: %v", rec)
		}
	}()

	handler(status)

	return nil
}
