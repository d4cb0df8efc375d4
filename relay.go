package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// SettleHook observes a handler error together with the verdict Settle gave it.
type SettleHook func(ctx context.Context, d Delivery, v Verdict, err error)

// Relay polls a Consumer and invokes a Handler for each delivery. Deliveries of one
// batch are handled in order; the batch is settled and committed as a whole.
type Relay struct {
	consumer Consumer
	handler  Handler
	cfg      RelayConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

// settlement groups the deliveries of one batch by verdict.
type settlement struct {
	acked   []uuid.UUID
	retried []Failure
	dead    []Failure
}

func (s *settlement) add(id uuid.UUID, v Verdict, f Failure) {
	switch v {
	case VerdictAck:
		s.acked = append(s.acked, id)
	case VerdictDead:
		s.dead = append(s.dead, f)
	default:
		s.retried = append(s.retried, f)
	}
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(consumer Consumer, handler Handler, opts ...RelayOption) *Relay {
	if consumer == nil {
		panic("taskrelay: nil Consumer")
	}
	if handler == nil {
		panic("taskrelay: nil Handler")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Relay{consumer: consumer, handler: handler, cfg: cfg.withDefaults()}
}

// Run polls with the configured number of workers until ctx ends or one worker
// fails. The first worker error stops the others and is returned.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("relay worker panic", "worker", worker, "panic", rec)
					err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
				}
			}()

			err = r.poll(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				r.cfg.Logger.Error("relay worker stopped", "worker", worker, "err", err)
			}

			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce fetches and settles a single batch. It reports whether a batch was found.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	batch, err := r.fetch(ctx)
	if errors.Is(err, ErrNoDeliveries) {
		r.samplePending(ctx)

		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, r.process(ctx, batch)
}

func (r *Relay) poll(ctx context.Context) error {
	for ctx.Err() == nil {
		found, err := r.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}

	return ctx.Err()
}

func (r *Relay) fetch(ctx context.Context) (Batch, error) {
	opts := FetchOptions{Topic: r.cfg.Topic, BatchSize: r.cfg.BatchSize}
	if r.cfg.PartitionWindow > 0 {
		opts.MinCreatedAt = r.cfg.Clock.Now().Add(-r.cfg.PartitionWindow)
	}

	return r.consumer.Fetch(ctx, opts)
}

func (r *Relay) process(ctx context.Context, batch Batch) error {
	start := time.Now()
	defer func() { r.cfg.Metrics.ObserveBatchDuration(time.Since(start)) }()

	if batch == nil {
		return ErrNilBatch
	}
	deliveries := batch.Deliveries()
	if len(deliveries) == 0 {
		return errors.Join(ErrEmptyBatch, batch.Rollback())
	}

	var s settlement
	for _, d := range deliveries {
		err := r.deliver(ctx, d)
		// A cancelled relay leaves the whole batch for the next poll.
		if err != nil && ctx.Err() != nil {
			return abort(batch, ctx.Err())
		}

		v, after := Settle(err)
		if err != nil {
			r.report(ctx, d, v, err)
		}
		s.add(d.ID, v, Failure{ID: d.ID, Err: err, RetryAfter: after})
	}

	return r.commit(ctx, batch, s)
}

// deliver runs the handler for one delivery under the configured timeout.
func (r *Relay) deliver(ctx context.Context, d Delivery) (err error) {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = handlerPanic(rec)
		}
	}()

	return r.handler.Deliver(ctx, d)
}

func (r *Relay) report(ctx context.Context, d Delivery, v Verdict, err error) {
	switch v {
	case VerdictDead:
		r.cfg.Logger.Warn("dead-lettering delivery", "delivery_id", d.ID, "topic", d.Topic,
			"attempts", d.Attempts+1, "err", err)
	case VerdictAck:
		r.cfg.Logger.Debug("delivery already reflected", "delivery_id", d.ID, "topic", d.Topic, "err", err)
	}
	if r.cfg.OnSettle != nil {
		r.cfg.OnSettle(ctx, d, v, err)
	}
}

func (r *Relay) commit(ctx context.Context, batch Batch, s settlement) error {
	if len(s.acked) > 0 {
		if err := batch.Ack(ctx, s.acked); err != nil {
			return abort(batch, fmt.Errorf("relay ack failed: %w", err))
		}
	}
	if len(s.retried) > 0 {
		if err := batch.Fail(ctx, s.retried); err != nil {
			return abort(batch, fmt.Errorf("relay retry update failed: %w", err))
		}
	}
	if len(s.dead) > 0 {
		if err := r.bury(ctx, batch, s.dead); err != nil {
			return abort(batch, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return abort(batch, fmt.Errorf("relay commit failed: %w", err))
	}

	r.cfg.Metrics.AddProcessed(len(s.acked))
	r.cfg.Metrics.AddErrors(len(s.retried) + len(s.dead))
	r.cfg.Metrics.AddRetries(len(s.retried))
	r.cfg.Metrics.AddDead(len(s.dead))

	return nil
}

// bury dead-letters failures, or retries them when the batch has no dead-letter state.
func (r *Relay) bury(ctx context.Context, batch Batch, dead []Failure) error {
	if db, ok := batch.(DeadBatch); ok {
		if err := db.Dead(ctx, dead); err != nil {
			return fmt.Errorf("relay dead-letter update failed: %w", err)
		}

		return nil
	}

	r.cfg.Logger.Warn("batch cannot dead-letter; retrying instead", "count", len(dead))
	if err := batch.Fail(ctx, dead); err != nil {
		return fmt.Errorf("relay dead-letter fallback failed: %w", err)
	}

	return nil
}

func abort(batch Batch, err error) error {
	if rbErr := batch.Rollback(); rbErr != nil {
		return errors.Join(err, fmt.Errorf("relay rollback failed: %w", rbErr))
	}

	return err
}

// samplePending publishes the consumer's backlog at most once per PendingInterval.
func (r *Relay) samplePending(ctx context.Context) {
	counter, ok := r.consumer.(PendingCounter)
	if !ok || r.cfg.PendingInterval <= 0 || ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	if !r.pendingAt.IsZero() && now.Before(r.pendingAt.Add(r.cfg.PendingInterval)) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("relay pending count failed", "err", err)

		return
	}
	r.cfg.Metrics.SetPending(count)
}
