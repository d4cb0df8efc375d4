package taskrelay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultLivenessTTL = 30 * time.Second

// Liveness is the last heartbeat seen from one sender.
type Liveness struct {
	SenderID string    `json:"sender_id"`
	Status   string    `json:"status,omitempty"`
	Load     float64   `json:"load,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Alive    bool      `json:"alive"`
}

// LivenessTracker records heartbeats and reports which senders are alive.
type LivenessTracker struct {
	ttl   time.Duration
	clock Clock

	mu   sync.RWMutex
	seen map[string]Liveness
}

// NewLivenessTracker returns a tracker that considers a sender alive for ttl after its last heartbeat.
func NewLivenessTracker(ttl time.Duration, clock Clock) *LivenessTracker {
	if ttl <= 0 {
		ttl = defaultLivenessTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &LivenessTracker{ttl: ttl, clock: clock, seen: make(map[string]Liveness)}
}

// Observe records h. Heartbeats older than the last one seen are ignored.
func (t *LivenessTracker) Observe(h *Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.seen[h.SenderID]; ok && h.Timestamp.Before(prev.LastSeen) {
		return
	}
	t.seen[h.SenderID] = Liveness{SenderID: h.SenderID, Status: h.Status, Load: h.Load, LastSeen: h.Timestamp}
}

// Alive reports whether senderID sent a heartbeat within the ttl.
func (t *LivenessTracker) Alive(senderID string) bool {
	t.mu.RLock()
	l, ok := t.seen[senderID]
	t.mu.RUnlock()

	return ok && t.clock.Now().Sub(l.LastSeen) <= t.ttl
}

// Snapshot lists every known sender, sorted by id.
func (t *LivenessTracker) Snapshot() []Liveness {
	now := t.clock.Now()

	t.mu.RLock()
	out := make([]Liveness, 0, len(t.seen))
	for _, l := range t.seen {
		l.Alive = now.Sub(l.LastSeen) <= t.ttl
		out = append(out, l)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })

	return out
}

// Register routes heartbeats from mux to t.
func (t *LivenessTracker) Register(mux *Mux) {
	mux.Handle(MessageTypeHeartbeat, func(_ context.Context, m Message) error {
		h, ok := m.(*Heartbeat)
		if !ok {
			return fmt.Errorf("%w: %T", ErrInvalidMessage, m)
		}
		t.Observe(h)

		return nil
	})
}
