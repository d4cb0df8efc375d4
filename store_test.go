package taskrelay

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// mapStore is a minimal Store for package tests.
type mapStore struct {
	mu       sync.Mutex
	items    map[string]Item
	getErr   error
	casErr   error
	casCalls int
}

func newMapStore() *mapStore {
	return &mapStore{items: make(map[string]Item)}
}

func (s *mapStore) Get(_ context.Context, key string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return Item{}, s.getErr
	}
	item, ok := s.items[key]
	if !ok {
		return Item{}, ErrNotFound
	}
	item.Value = append([]byte(nil), item.Value...)

	return item, nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.items[key].Version + 1
	s.items[key] = Item{Key: key, Value: append([]byte(nil), value...), Version: version}

	return version, nil
}

func (s *mapStore) CompareAndSet(_ context.Context, key string, value []byte, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.casCalls++
	if s.casErr != nil {
		return 0, s.casErr
	}
	current, ok := s.items[key]
	if (version == 0 && ok) || (version != 0 && (!ok || current.Version != version)) {
		return 0, ErrVersionConflict
	}
	next := current.Version + 1
	s.items[key] = Item{Key: key, Value: append([]byte(nil), value...), Version: next}

	return next, nil
}

func (s *mapStore) Scan(_ context.Context, prefix string, fn func(Item) error) error {
	s.mu.Lock()
	items := make([]Item, 0, len(s.items))
	for k, item := range s.items {
		if strings.HasPrefix(k, prefix) {
			items = append(items, item)
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}

	return nil
}

func (s *mapStore) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}

	return n
}

// conflictStore loses the first n compare-and-set calls.
type conflictStore struct {
	*mapStore
	remaining int
}

func (s *conflictStore) CompareAndSet(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	s.mu.Lock()
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()

		return 0, ErrVersionConflict
	}
	s.mu.Unlock()

	return s.mapStore.CompareAndSet(ctx, key, value, version)
}
