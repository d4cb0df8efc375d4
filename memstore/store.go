// Package memstore is an in-process, sharded taskrelay.Store.
// It suits tests and single-process deployments; values do not survive a restart.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/velmie/taskrelay"
)

const defaultShards = 64

// Options configures a Store.
type Options struct {
	// Shards is the number of independently locked partitions.
	Shards int
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = defaultShards
	}

	return o
}

// Store is a versioned map safe for concurrent use. Values are copied on write and on read.
type Store struct {
	shards []shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]entry
}

type entry struct {
	val     []byte
	version int64
}

var (
	_ taskrelay.Store   = (*Store)(nil)
	_ taskrelay.Scanner = (*Store)(nil)
)

// New returns an empty Store.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{shards: make([]shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string]entry)
	}

	return s
}

// FNV-1a.
func (s *Store) shardFor(key string) *shard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}

	return &s.shards[int(h%uint64(len(s.shards)))]
}

// Get implements taskrelay.Store.
func (s *Store) Get(ctx context.Context, key string) (taskrelay.Item, error) {
	if err := ctx.Err(); err != nil {
		return taskrelay.Item{}, err
	}

	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	sh.mu.RUnlock()
	if !ok {
		return taskrelay.Item{}, taskrelay.ErrNotFound
	}

	return taskrelay.Item{Key: key, Value: clone(e.val), Version: e.version}, nil
}

// Set implements taskrelay.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	version := sh.m[key].version + 1
	sh.m[key] = entry{val: clone(value), version: version}

	return version, nil
}

// CompareAndSet implements taskrelay.Store.
func (s *Store) CompareAndSet(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.m[key]
	switch {
	case version == 0 && ok:
		return 0, taskrelay.ErrVersionConflict
	case version != 0 && (!ok || current.version != version):
		return 0, taskrelay.ErrVersionConflict
	}

	next := current.version + 1
	sh.m[key] = entry{val: clone(value), version: next}

	return next, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Keys returns the sorted keys that start with prefix.
func (s *Store) Keys(prefix string) []string {
	var keys []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k := range sh.m {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)

	return keys
}

// Scan implements taskrelay.Scanner. Keys written during the scan may be missed.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(taskrelay.Item) error) error {
	for _, key := range s.Keys(prefix) {
		item, err := s.Get(ctx, key)
		if errors.Is(err, taskrelay.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}

	return n
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
