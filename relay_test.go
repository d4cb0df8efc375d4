package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func deliveryID(n byte) uuid.UUID {
	return uuid.UUID{15: n}
}

type staticConsumer struct {
	batch Batch
	err   error
}

func (c staticConsumer) Fetch(_ context.Context, _ FetchOptions) (Batch, error) {
	return c.batch, c.err
}

type fakeBatch struct {
	deliveries []Delivery
	ackIDs     []uuid.UUID
	failures   []Failure
	dead       []Failure
	committed  bool
	rolled     bool
	ackErr     error
	failErr    error
	deadErr    error
	commitErr  error
	rollErr    error
}

type fakeBatchNoDead struct {
	deliveries []Delivery
	ackIDs     []uuid.UUID
	failures   []Failure
	committed  bool
	rolled     bool
	ackErr     error
	failErr    error
	commitErr  error
	rollErr    error
}

func (b *fakeBatchNoDead) Deliveries() []Delivery {
	return b.deliveries
}

func (b *fakeBatchNoDead) Ack(_ context.Context, ids []uuid.UUID) error {
	b.ackIDs = append(b.ackIDs, ids...)
	return b.ackErr
}

func (b *fakeBatchNoDead) Fail(_ context.Context, failures []Failure) error {
	b.failures = append(b.failures, failures...)
	return b.failErr
}

func (b *fakeBatchNoDead) Commit() error {
	b.committed = true
	return b.commitErr
}

func (b *fakeBatchNoDead) Rollback() error {
	b.rolled = true
	return b.rollErr
}

func (b *fakeBatch) Deliveries() []Delivery {
	return b.deliveries
}

func (b *fakeBatch) Ack(_ context.Context, ids []uuid.UUID) error {
	b.ackIDs = append(b.ackIDs, ids...)
	return b.ackErr
}

func (b *fakeBatch) Fail(_ context.Context, failures []Failure) error {
	b.failures = append(b.failures, failures...)
	return b.failErr
}

func (b *fakeBatch) Dead(_ context.Context, failures []Failure) error {
	b.dead = append(b.dead, failures...)
	return b.deadErr
}

func (b *fakeBatch) Commit() error {
	b.committed = true
	return b.commitErr
}

func (b *fakeBatch) Rollback() error {
	b.rolled = true
	return b.rollErr
}

type captureConsumer struct {
	opts FetchOptions
	err  error
}

func (c *captureConsumer) Fetch(_ context.Context, opts FetchOptions) (Batch, error) {
	c.opts = opts
	if c.err != nil {
		return nil, c.err
	}
	return nil, ErrNoDeliveries
}

type cancelConsumer struct {
	started  chan struct{}
	allowErr chan struct{}
	err      error
	canceled int32
}

func (c *cancelConsumer) Fetch(ctx context.Context, _ FetchOptions) (Batch, error) {
	c.started <- struct{}{}
	select {
	case <-c.allowErr:
		return nil, c.err
	case <-ctx.Done():
		atomic.StoreInt32(&c.canceled, 1)
		return nil, ctx.Err()
	}
}

type pendingConsumer struct {
	count int
	calls int
}

func (c *pendingConsumer) Fetch(_ context.Context, _ FetchOptions) (Batch, error) {
	return nil, ErrNoDeliveries
}

func (c *pendingConsumer) PendingCount(_ context.Context) (int, error) {
	c.calls++
	return c.count, nil
}

type captureMetrics struct {
	NopMetrics
	pending      int
	pendingCalls int
	processed    int
	dead         int
}

func (m *captureMetrics) AddProcessed(count int) { m.processed += count }
func (m *captureMetrics) AddDead(count int)      { m.dead += count }
func (m *captureMetrics) SetPending(count int) {
	m.pending = count
	m.pendingCalls++
}

func TestRelayProcessOnce(t *testing.T) {
	deliveries := []Delivery{{ID: deliveryID(1)}, {ID: deliveryID(2)}, {ID: deliveryID(3)}}
	batch := &fakeBatch{deliveries: deliveries}
	consumer := staticConsumer{batch: batch}

	handler := DeliveryFunc(func(_ context.Context, d Delivery) error {
		if d.ID == deliveryID(2) {
			return errors.New("fail")
		}
		return nil
	})

	relay := NewRelay(consumer, handler)
	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !ok {
		t.Fatalf("expected batch to be processed")
	}
	if len(batch.ackIDs) != 2 {
		t.Fatalf("expected 2 ack ids, got %d", len(batch.ackIDs))
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(batch.failures))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelaySettleHookSeesVerdict(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}, {ID: deliveryID(2)}}}
	var verdicts []Verdict
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(_ context.Context, d Delivery) error {
		if d.ID == deliveryID(1) {
			return errors.New("boom")
		}
		return ErrTerminalState
	}), WithSettleHook(func(_ context.Context, _ Delivery, v Verdict, _ error) {
		verdicts = append(verdicts, v)
	}))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(verdicts) != 2 || verdicts[0] != VerdictRetry || verdicts[1] != VerdictAck {
		t.Fatalf("expected [retry ack], got %v", verdicts)
	}
}

func TestRelaySettleHookNotCalledOnContextCancel(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}}
	var calls int
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(ctx context.Context, _ Delivery) error {
		return ctx.Err()
	}), WithSettleHook(func(context.Context, Delivery, Verdict, error) {
		calls++
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := relay.process(ctx, batch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected settle hook not to be called, got %d", calls)
	}
}

func TestRelayProcessBatchAckErrorRollback(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}, ackErr: errors.New("ack fail")}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error { return nil }))

	err := relay.process(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.ackErr) {
		t.Fatalf("expected ack error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on ack error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on ack error")
	}
}

func TestRelayProcessBatchFailErrorRollback(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}, failErr: errors.New("fail update")}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error { return errors.New("boom") }))

	err := relay.process(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.failErr) {
		t.Fatalf("expected fail error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on fail error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on fail error")
	}
}

func TestRelayProcessBatchCommitErrorRollback(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}, commitErr: errors.New("commit fail")}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error { return nil }))

	err := relay.process(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on commit error")
	}
	if !batch.committed {
		t.Fatalf("expected commit to be attempted")
	}
}

func TestRelayProcessBatchPermanentDeadLettered(t *testing.T) {
	deliveries := []Delivery{{ID: deliveryID(1)}, {ID: deliveryID(2)}}
	batch := &fakeBatch{deliveries: deliveries}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(_ context.Context, d Delivery) error {
		if d.ID == deliveryID(2) {
			return Permanent(errors.New("boom"))
		}
		return nil
	}))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 1 {
		t.Fatalf("expected 1 dead failure, got %d", len(batch.dead))
	}
	if len(batch.failures) != 0 {
		t.Fatalf("expected no retry failures, got %d", len(batch.failures))
	}
	if len(batch.ackIDs) != 1 {
		t.Fatalf("expected 1 ack id, got %d", len(batch.ackIDs))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelayProcessBatchDeadFallback(t *testing.T) {
	deliveries := []Delivery{{ID: deliveryID(1)}}
	batch := &fakeBatchNoDead{deliveries: deliveries}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error {
		return Permanent(errors.New("boom"))
	}))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 failure fallback, got %d", len(batch.failures))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelayHandlerPanicDeadLetters(t *testing.T) {
	deliveries := []Delivery{{ID: deliveryID(1)}, {ID: deliveryID(2)}}
	batch := &fakeBatch{deliveries: deliveries}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(_ context.Context, d Delivery) error {
		if d.ID == deliveryID(1) {
			panic("nil map")
		}
		return nil
	}))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 1 || batch.dead[0].ID != deliveryID(1) {
		t.Fatalf("expected delivery 1 dead-lettered, got %v", batch.dead)
	}
	if !IsPermanent(batch.dead[0].Err) {
		t.Fatalf("expected a permanent error, got %v", batch.dead[0].Err)
	}
	if len(batch.ackIDs) != 1 || batch.ackIDs[0] != deliveryID(2) {
		t.Fatalf("expected delivery 2 acked after the panic, got %v", batch.ackIDs)
	}
}

func TestRelayCircuitOpenDefersRetry(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}}
	open := &BreakerError{Name: "worker-1", State: CircuitOpen, RetryAfter: 45 * time.Second, Err: ErrCircuitOpen}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error {
		return fmt.Errorf("forward: %w", open)
	}))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(batch.failures))
	}
	if got := batch.failures[0].RetryAfter; got != 45*time.Second {
		t.Fatalf("expected retry after 45s, got %s", got)
	}
	if len(batch.dead) != 0 {
		t.Fatalf("expected no dead failures, got %d", len(batch.dead))
	}
}

func TestRelayHandlerTimeoutApplied(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}}
	deadlineCh := make(chan time.Time, 1)
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(ctx context.Context, _ Delivery) error {
		if deadline, ok := ctx.Deadline(); ok {
			deadlineCh <- deadline
		} else {
			deadlineCh <- time.Time{}
		}
		return nil
	}), WithHandlerTimeout(10*time.Millisecond))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	deadline := <-deadlineCh
	if deadline.IsZero() {
		t.Fatalf("expected handler deadline")
	}
}

func TestRelayProcessOnceNoDeliveries(t *testing.T) {
	relay := NewRelay(staticConsumer{err: ErrNoDeliveries}, DeliveryFunc(func(context.Context, Delivery) error { return nil }))
	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected no batch")
	}
}

func TestRelayRunContextCancel(t *testing.T) {
	consumer := staticConsumer{err: ErrNoDeliveries}
	relay := NewRelay(consumer, DeliveryFunc(func(context.Context, Delivery) error { return nil }), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayRunCancelsOtherWorkers(t *testing.T) {
	consumer := &cancelConsumer{
		started:  make(chan struct{}, 2),
		allowErr: make(chan struct{}, 1),
		err:      errors.New("boom"),
	}
	relay := NewRelay(consumer, DeliveryFunc(func(context.Context, Delivery) error { return nil }), WithWorkers(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Run(context.Background())
	}()

	<-consumer.started
	<-consumer.started
	consumer.allowErr <- struct{}{}

	err := <-errCh
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if atomic.LoadInt32(&consumer.canceled) != 1 {
		t.Fatalf("expected other worker to observe cancellation")
	}
}

func TestRelayProcessBatchContextCanceled(t *testing.T) {
	batch := &fakeBatch{deliveries: []Delivery{{ID: deliveryID(1)}}}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(ctx context.Context, _ Delivery) error {
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := relay.process(ctx, batch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on context cancel")
	}
	if batch.committed {
		t.Fatalf("expected no commit on context cancel")
	}
	if len(batch.ackIDs) != 0 || len(batch.failures) != 0 {
		t.Fatalf("expected no ack/fail on context cancel")
	}
}

func TestRelayProcessBatchEmpty(t *testing.T) {
	batch := &fakeBatch{}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error { return nil }))

	err := relay.process(context.Background(), batch)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on empty batch")
	}
}

func TestRelayProcessBatchNil(t *testing.T) {
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(context.Context, Delivery) error { return nil }))

	err := relay.process(context.Background(), nil)
	if !errors.Is(err, ErrNilBatch) {
		t.Fatalf("expected ErrNilBatch, got %v", err)
	}
}

func TestRelayPartitionWindowApplied(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 2 * time.Hour
	consumer := &captureConsumer{}
	relay := NewRelay(consumer, DeliveryFunc(func(context.Context, Delivery) error { return nil }), WithClock(fixedClock{now: now}), WithPartitionWindow(window))

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected no batch")
	}
	expected := now.Add(-window)
	if !consumer.opts.MinCreatedAt.Equal(expected) {
		t.Fatalf("expected MinCreatedAt %v, got %v", expected, consumer.opts.MinCreatedAt)
	}
}

func TestRelayPendingCountDisabledByDefault(t *testing.T) {
	consumer := &pendingConsumer{count: 10}
	metrics := &captureMetrics{}
	relay := NewRelay(consumer, DeliveryFunc(func(context.Context, Delivery) error { return nil }), WithMetrics(metrics))

	relay.samplePending(context.Background())

	if consumer.calls != 0 {
		t.Fatalf("expected no pending count calls, got %d", consumer.calls)
	}
	if metrics.pendingCalls != 0 {
		t.Fatalf("expected no pending metric updates, got %d", metrics.pendingCalls)
	}
}

func TestRelayPendingCountEnabled(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &sequenceClock{times: []time.Time{now, now, now.Add(time.Second)}}
	consumer := &pendingConsumer{count: 42}
	metrics := &captureMetrics{}
	relay := NewRelay(
		consumer,
		DeliveryFunc(func(context.Context, Delivery) error { return nil }),
		WithClock(clock),
		WithMetrics(metrics),
		WithPendingInterval(time.Second),
	)

	relay.samplePending(context.Background())
	relay.samplePending(context.Background())
	relay.samplePending(context.Background())

	if consumer.calls != 2 {
		t.Fatalf("expected 2 pending count calls, got %d", consumer.calls)
	}
	if metrics.pendingCalls != 2 {
		t.Fatalf("expected 2 pending metric updates, got %d", metrics.pendingCalls)
	}
	if metrics.pending != 42 {
		t.Fatalf("expected pending count 42, got %d", metrics.pending)
	}
}

func TestRelaySettlesByErrorType(t *testing.T) {
	deliveries := []Delivery{{ID: deliveryID(1)}, {ID: deliveryID(2)}, {ID: deliveryID(3)}, {ID: deliveryID(4)}}
	batch := &fakeBatch{deliveries: deliveries}
	metrics := &captureMetrics{}
	relay := NewRelay(staticConsumer{}, DeliveryFunc(func(_ context.Context, d Delivery) error {
		switch d.ID {
		case deliveryID(1):
			return Permanent(errors.New("unroutable"))
		case deliveryID(2):
			return ErrUnknownMessageType
		case deliveryID(3):
			return ErrStaleUpdate
		default:
			return errors.New("store unavailable")
		}
	}), WithMetrics(metrics))

	if err := relay.process(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 2 {
		t.Fatalf("expected 2 dead failures, got %d", len(batch.dead))
	}
	if len(batch.ackIDs) != 1 || batch.ackIDs[0] != deliveryID(3) {
		t.Fatalf("expected delivery 3 acked, got %v", batch.ackIDs)
	}
	if len(batch.failures) != 1 || batch.failures[0].ID != deliveryID(4) {
		t.Fatalf("expected delivery 4 to be retried, got %v", batch.failures)
	}
	if metrics.dead != 2 {
		t.Fatalf("expected 2 dead in metrics, got %d", metrics.dead)
	}
}

func TestSettle(t *testing.T) {
	open := &BreakerError{Name: "w", State: CircuitOpen, RetryAfter: time.Minute, Err: ErrCircuitOpen}
	halfOpen := &BreakerError{Name: "w", State: CircuitHalfOpen, Err: ErrCircuitOpen}
	cases := []struct {
		name    string
		err     error
		verdict Verdict
		after   time.Duration
	}{
		{name: "nil", err: nil, verdict: VerdictAck},
		{name: "terminal", err: fmt.Errorf("update: %w", ErrTerminalState), verdict: VerdictAck},
		{name: "duplicate", err: ErrDuplicateMessage, verdict: VerdictAck},
		{name: "stale", err: ErrStaleUpdate, verdict: VerdictAck},
		{name: "validation", err: &ValidationError{Field: "task_id", Reason: "is required"}, verdict: VerdictDead},
		{name: "invalid message", err: fmt.Errorf("%w: bad", ErrInvalidMessage), verdict: VerdictDead},
		{name: "permanent", err: Permanent(errors.New("no route")), verdict: VerdictDead},
		{name: "circuit open", err: fmt.Errorf("send: %w", open), verdict: VerdictRetry, after: time.Minute},
		{name: "half-open saturated", err: halfOpen, verdict: VerdictRetry},
		{name: "transient", err: errors.New("timeout"), verdict: VerdictRetry},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, after := Settle(tc.err)
			if v != tc.verdict {
				t.Fatalf("expected %s, got %s", tc.verdict, v)
			}
			if after != tc.after {
				t.Fatalf("expected retry after %s, got %s", tc.after, after)
			}
		})
	}
}

func TestRelayTopicApplied(t *testing.T) {
	consumer := &captureConsumer{}
	relay := NewRelay(consumer, DeliveryFunc(func(context.Context, Delivery) error { return nil }), WithTopic("events"), WithBatchSize(7))

	if _, err := relay.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if consumer.opts.Topic != "events" {
		t.Fatalf("expected topic events, got %q", consumer.opts.Topic)
	}
	if consumer.opts.BatchSize != 7 {
		t.Fatalf("expected batch size 7, got %d", consumer.opts.BatchSize)
	}
	if !consumer.opts.MinCreatedAt.IsZero() {
		t.Fatalf("expected no created-at bound without a partition window")
	}
}

func TestRelayFeedsMux(t *testing.T) {
	p, registry, taskID := newTestPropagator(t, PropagatorConfig{})
	mux := NewMux(MuxConfig{})
	p.Register(mux)

	started := deliveryOf(t, NewEvent("worker-1", taskID, EventStarted))
	garbage := Delivery{ID: uuid.New(), Topic: "events", Payload: []byte("{")}
	batch := &fakeBatch{deliveries: []Delivery{started, garbage}}
	metrics := &captureMetrics{}
	relay := NewRelay(staticConsumer{batch: batch}, mux, WithMetrics(metrics))

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil || !ok {
		t.Fatalf("process once: ok=%v err=%v", ok, err)
	}
	if len(batch.ackIDs) != 2 {
		t.Fatalf("expected both deliveries acknowledged, got %d", len(batch.ackIDs))
	}
	if metrics.processed != 2 {
		t.Fatalf("expected 2 processed, got %d", metrics.processed)
	}

	rec, err := registry.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", rec.Status)
	}
}
