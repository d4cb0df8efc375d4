package taskrelay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	defaultBreakerStoreTimeout = 2 * time.Second
	breakerPersistAttempts     = 4
)

// BreakerRegistryConfig configures a BreakerRegistry.
type BreakerRegistryConfig struct {
	// Defaults apply to every breaker without an override.
	Defaults BreakerConfig
	// Overrides holds per-dependency settings keyed by breaker name.
	Overrides map[string]BreakerConfig
	// Store, when set, persists breaker snapshots under breaker/<name>.
	Store Store
	// StoreTimeout bounds each persistence read or write.
	StoreTimeout time.Duration
	Logger       Logger
}

// BreakerRegistry owns one Breaker per dependency name.
type BreakerRegistry struct {
	cfg BreakerRegistryConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry returns an empty registry.
func NewBreakerRegistry(cfg BreakerRegistryConfig) *BreakerRegistry {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultBreakerStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	if cfg.Defaults.Logger == nil {
		cfg.Defaults.Logger = cfg.Logger
	}

	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
// A persisted snapshot is restored when the breaker is created.
func (r *BreakerRegistry) Get(ctx context.Context, name string) *Breaker {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		return b
	}

	b = r.newBreaker(name)
	if saved, ok := r.load(ctx, name); ok {
		b.Restore(saved)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.breakers[name]; ok {
		return existing
	}
	r.breakers[name] = b

	return b
}

// Snapshots returns the state of every known breaker, sorted by name.
func (r *BreakerRegistry) Snapshots() []BreakerState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(breakers))
	for _, b := range breakers {
		b.State()
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (r *BreakerRegistry) newBreaker(name string) *Breaker {
	cfg := r.cfg.Defaults
	if override, ok := r.cfg.Overrides[name]; ok {
		cfg = mergeBreakerConfig(cfg, override)
	}

	b := NewBreaker(name, cfg)
	if r.cfg.Store != nil {
		b.onTransition = r.persist
	}

	return b
}

func mergeBreakerConfig(base, override BreakerConfig) BreakerConfig {
	if override.FailureThreshold > 0 {
		base.FailureThreshold = override.FailureThreshold
	}
	if override.ResetTimeout > 0 {
		base.ResetTimeout = override.ResetTimeout
	}
	if override.HalfOpenMaxCalls > 0 {
		base.HalfOpenMaxCalls = override.HalfOpenMaxCalls
	}
	if override.SuccessThreshold > 0 {
		base.SuccessThreshold = override.SuccessThreshold
	}
	if override.IsFailure != nil {
		base.IsFailure = override.IsFailure
	}
	if override.OnStateChange != nil {
		base.OnStateChange = override.OnStateChange
	}

	return base
}

func (r *BreakerRegistry) load(ctx context.Context, name string) (BreakerState, bool) {
	if r.cfg.Store == nil {
		return BreakerState{}, false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()

	item, err := r.cfg.Store.Get(ctx, BreakerKey(name))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.cfg.Logger.Warn("breaker state load failed", "breaker", name, "err", err)
		}

		return BreakerState{}, false
	}

	var saved BreakerState
	if err := json.Unmarshal(item.Value, &saved); err != nil {
		r.cfg.Logger.Warn("breaker state decode failed", "breaker", name, "err", err)

		return BreakerState{}, false
	}

	return saved, true
}

// persist writes s unless the store already holds the same or a newer generation.
func (r *BreakerRegistry) persist(s BreakerState) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		r.cfg.Logger.Warn("breaker state encode failed", "breaker", s.Name, "err", err)

		return
	}

	key := BreakerKey(s.Name)
	for attempt := 0; attempt < breakerPersistAttempts; attempt++ {
		var version int64
		item, err := r.cfg.Store.Get(ctx, key)
		switch {
		case err == nil:
			var current BreakerState
			if json.Unmarshal(item.Value, &current) == nil && current.Generation >= s.Generation {
				return
			}
			version = item.Version
		case !errors.Is(err, ErrNotFound):
			r.cfg.Logger.Warn("breaker state load failed", "breaker", s.Name, "err", err)

			return
		}

		_, err = r.cfg.Store.CompareAndSet(ctx, key, data, version)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrVersionConflict) {
			r.cfg.Logger.Warn("breaker state save failed", "breaker", s.Name, "err", err)

			return
		}
	}

	r.cfg.Logger.Warn("breaker state save gave up after conflicts", "breaker", s.Name, "generation", s.Generation)
}
