package taskrelay

import "sync"

const defaultDedupeWindow = 4096

// recentIDs remembers the last window message ids in arrival order.
type recentIDs struct {
	mu     sync.Mutex
	window int
	ids    map[string]struct{}
	order  []string
}

func newRecentIDs(window int) *recentIDs {
	if window <= 0 {
		window = defaultDedupeWindow
	}

	return &recentIDs{
		window: window,
		ids:    make(map[string]struct{}, window),
		order:  make([]string, 0, window),
	}
}

func (r *recentIDs) seen(id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.ids[id]

	return ok
}

func (r *recentIDs) add(id string) {
	r.addIfAbsent(id)
}

// addIfAbsent remembers id and reports whether it was new. Concurrent callers with
// the same id see exactly one true.
func (r *recentIDs) addIfAbsent(id string) bool {
	if id == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.window {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}

	return true
}

// forget drops id so a later addIfAbsent accepts it again.
func (r *recentIDs) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; !ok {
		return
	}
	delete(r.ids, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			break
		}
	}
}
