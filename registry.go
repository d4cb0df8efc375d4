package taskrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultCASAttempts = 16
	defaultClaimTTL    = 30 * time.Second
)

// RegistryConfig controls how task records are stored.
type RegistryConfig struct {
	// ClaimTTL is how long an idempotency claim without a record blocks other submitters.
	ClaimTTL time.Duration
	// CASAttempts caps compare-and-set retries per call.
	CASAttempts int
	Clock       Clock
	Logger      Logger
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
	if c.CASAttempts <= 0 {
		c.CASAttempts = defaultCASAttempts
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}

	return c
}

// CreateRequest describes a task record to create.
type CreateRequest struct {
	TaskID         string
	TaskType       string
	IdempotencyKey string
	TimeoutSeconds int
}

// StatusUpdater applies updates to task records.
type StatusUpdater interface {
	Apply(ctx context.Context, taskID string, u Update) (Record, error)
}

// StatusUpdaterFunc adapts a function to StatusUpdater.
type StatusUpdaterFunc func(ctx context.Context, taskID string, u Update) (Record, error)

// Apply implements StatusUpdater.
func (fn StatusUpdaterFunc) Apply(ctx context.Context, taskID string, u Update) (Record, error) {
	return fn(ctx, taskID, u)
}

// Registry keeps task records in a Store. Updates to one task are serialized by
// compare-and-set on the record version; records are immutable once terminal.
type Registry struct {
	store Store
	cfg   RegistryConfig
}

type idemClaim struct {
	TaskID    string    `json:"task_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// NewRegistry constructs a Registry over store.
func NewRegistry(store Store, cfg RegistryConfig) *Registry {
	if store == nil {
		panic("taskrelay: nil Store")
	}

	return &Registry{store: store, cfg: cfg.withDefaults()}
}

// Create stores a queued record for req.TaskID.
//
// When req.IdempotencyKey is already claimed by a non-terminal task, Create returns that
// task's record and created=false. A claim whose task is terminal is taken over.
// Creating a task id that already exists fails with ErrTaskExists.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Record, bool, error) {
	if strings.TrimSpace(req.TaskID) == "" {
		return Record{}, false, ErrTaskIDRequired
	}

	if req.IdempotencyKey != "" {
		existing, found, err := r.claim(ctx, req)
		if err != nil {
			return Record{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	now := r.cfg.Clock.Now()
	rec := Record{
		TaskID:         req.TaskID,
		Status:         StatusQueued,
		TaskType:       req.TaskType,
		IdempotencyKey: req.IdempotencyKey,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("taskrelay: encode task %s: %w", req.TaskID, err)
	}

	version, err := r.store.CompareAndSet(ctx, TaskKey(req.TaskID), data, 0)
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			return Record{}, false, fmt.Errorf("taskrelay: create task %s: %w", req.TaskID, err)
		}

		current, getErr := r.Get(ctx, req.TaskID)
		if getErr != nil {
			return Record{}, false, getErr
		}
		// Our own claim pointed here: an earlier attempt already created the record.
		if req.IdempotencyKey != "" && current.IdempotencyKey == req.IdempotencyKey && !current.Terminal() {
			return current, false, nil
		}

		return Record{}, false, fmt.Errorf("%w: %s", ErrTaskExists, req.TaskID)
	}
	rec.Version = version

	r.cfg.Logger.Debug("task record created", "task_id", rec.TaskID, "idempotency_key", rec.IdempotencyKey)

	return rec, true, nil
}

// claim reserves req.IdempotencyKey for req.TaskID. found is true when another live task holds it.
func (r *Registry) claim(ctx context.Context, req CreateRequest) (Record, bool, error) {
	key := IdempotencyKey(req.IdempotencyKey)

	for attempt := 0; attempt < r.cfg.CASAttempts; attempt++ {
		now := r.cfg.Clock.Now()
		data, err := json.Marshal(idemClaim{TaskID: req.TaskID, ClaimedAt: now})
		if err != nil {
			return Record{}, false, fmt.Errorf("taskrelay: encode claim: %w", err)
		}

		item, err := r.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			if _, err := r.store.CompareAndSet(ctx, key, data, 0); err != nil {
				if errors.Is(err, ErrVersionConflict) {
					continue
				}

				return Record{}, false, fmt.Errorf("taskrelay: claim %s: %w", req.IdempotencyKey, err)
			}

			return Record{}, false, nil
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("taskrelay: load claim %s: %w", req.IdempotencyKey, err)
		}

		var current idemClaim
		if err := json.Unmarshal(item.Value, &current); err != nil {
			return Record{}, false, fmt.Errorf("taskrelay: decode claim %s: %w", req.IdempotencyKey, err)
		}
		if current.TaskID == req.TaskID {
			return Record{}, false, nil
		}

		holder, live, err := r.liveHolder(ctx, req.IdempotencyKey, current, now)
		if err != nil {
			return Record{}, false, err
		}
		if live {
			return holder, true, nil
		}

		if _, err := r.store.CompareAndSet(ctx, key, data, item.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}

			return Record{}, false, fmt.Errorf("taskrelay: take over claim %s: %w", req.IdempotencyKey, err)
		}
		r.cfg.Logger.Debug("idempotency claim taken over", "idempotency_key", req.IdempotencyKey, "previous_task_id", current.TaskID, "task_id", req.TaskID)

		return Record{}, false, nil
	}

	return Record{}, false, fmt.Errorf("%w: idempotency key %s", ErrConcurrentUpdate, req.IdempotencyKey)
}

// Holder returns the record of the live task holding idempotency key. found is false
// when the key is unclaimed or its holder is terminal. Holder never writes.
func (r *Registry) Holder(ctx context.Context, key string) (Record, bool, error) {
	if key == "" {
		return Record{}, false, nil
	}

	item, err := r.store.Get(ctx, IdempotencyKey(key))
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("taskrelay: load claim %s: %w", key, err)
	}

	var current idemClaim
	if err := json.Unmarshal(item.Value, &current); err != nil {
		return Record{}, false, fmt.Errorf("taskrelay: decode claim %s: %w", key, err)
	}

	return r.liveHolder(ctx, key, current, r.cfg.Clock.Now())
}

func (r *Registry) liveHolder(ctx context.Context, key string, current idemClaim, now time.Time) (Record, bool, error) {
	holder, err := r.Get(ctx, current.TaskID)
	switch {
	case err == nil:
		return holder, !holder.Terminal(), nil
	case errors.Is(err, ErrTaskNotFound) && now.Sub(current.ClaimedAt) < r.cfg.ClaimTTL:
		// The holder is still between claiming and creating its record.
		return Record{
			TaskID:         current.TaskID,
			Status:         StatusQueued,
			IdempotencyKey: key,
			CreatedAt:      current.ClaimedAt,
			UpdatedAt:      current.ClaimedAt,
		}, true, nil
	case errors.Is(err, ErrTaskNotFound):
		return Record{}, false, nil
	default:
		return Record{}, false, err
	}
}

// Get returns the current record or ErrTaskNotFound.
func (r *Registry) Get(ctx context.Context, taskID string) (Record, error) {
	if strings.TrimSpace(taskID) == "" {
		return Record{}, ErrTaskIDRequired
	}

	item, err := r.store.Get(ctx, TaskKey(taskID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}

		return Record{}, fmt.Errorf("taskrelay: load task %s: %w", taskID, err)
	}

	return decodeRecord(item)
}

// Update applies u to the record of taskID.
//
// Updating a terminal record fails with ErrTerminalState and leaves it unchanged.
// An update whose Sequence is not newer than the last applied one fails with ErrStaleUpdate.
func (r *Registry) Update(ctx context.Context, taskID string, u Update) (Record, error) {
	if strings.TrimSpace(taskID) == "" {
		return Record{}, ErrTaskIDRequired
	}

	for attempt := 0; attempt < r.cfg.CASAttempts; attempt++ {
		item, err := r.store.Get(ctx, TaskKey(taskID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Record{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
			}

			return Record{}, fmt.Errorf("taskrelay: load task %s: %w", taskID, err)
		}

		current, err := decodeRecord(item)
		if err != nil {
			return Record{}, err
		}
		if current.Terminal() {
			return current, fmt.Errorf("%w: %s is %s", ErrTerminalState, taskID, current.Status)
		}
		if u.Sequence != 0 && u.Sequence <= current.Sequence {
			return current, fmt.Errorf("%w: sequence %d <= %d", ErrStaleUpdate, u.Sequence, current.Sequence)
		}

		next, err := current.apply(u, r.cfg.Clock.Now())
		if err != nil {
			return current, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return Record{}, fmt.Errorf("taskrelay: encode task %s: %w", taskID, err)
		}

		version, err := r.store.CompareAndSet(ctx, TaskKey(taskID), data, item.Version)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}

			return Record{}, fmt.Errorf("taskrelay: update task %s: %w", taskID, err)
		}
		next.Version = version

		return next, nil
	}

	return Record{}, fmt.Errorf("%w: %s", ErrConcurrentUpdate, taskID)
}

// Apply implements StatusUpdater.
func (r *Registry) Apply(ctx context.Context, taskID string, u Update) (Record, error) {
	return r.Update(ctx, taskID, u)
}

// ScanLive calls fn for every non-terminal record. It fails with ErrScanUnsupported
// when the store cannot enumerate keys.
func (r *Registry) ScanLive(ctx context.Context, fn func(Record) error) error {
	scanner, ok := r.store.(Scanner)
	if !ok {
		return ErrScanUnsupported
	}

	return scanner.Scan(ctx, taskKeyPrefix, func(item Item) error {
		rec, err := decodeRecord(item)
		if err != nil {
			r.cfg.Logger.Warn("skipping undecodable task record", "key", item.Key, "err", err)

			return nil
		}
		if rec.Terminal() {
			return nil
		}

		return fn(rec)
	})
}

func decodeRecord(item Item) (Record, error) {
	var rec Record
	if err := json.Unmarshal(item.Value, &rec); err != nil {
		return Record{}, fmt.Errorf("taskrelay: decode %s: %w", item.Key, err)
	}
	rec.Version = item.Version

	return rec, nil
}
