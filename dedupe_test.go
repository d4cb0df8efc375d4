package taskrelay

import "testing"

func TestRecentIDsAddIfAbsent(t *testing.T) {
	r := newRecentIDs(2)

	steps := []struct {
		id   string
		want bool
	}{
		{id: "a", want: true},
		{id: "a", want: false},
		{id: "b", want: true},
		{id: "c", want: true},
		// "a" fell out of the window.
		{id: "a", want: true},
		{id: "", want: true},
		{id: "", want: true},
	}
	for i, s := range steps {
		if got := r.addIfAbsent(s.id); got != s.want {
			t.Fatalf("step %d (%q): expected %v, got %v", i, s.id, s.want, got)
		}
	}
}

func TestRecentIDsForget(t *testing.T) {
	r := newRecentIDs(2)
	r.add("a")
	r.add("b")
	r.forget("a")

	if r.seen("a") {
		t.Fatalf("expected a to be forgotten")
	}
	if !r.addIfAbsent("a") {
		t.Fatalf("expected a to be accepted again")
	}
	// Forgetting must not leave a stale slot that evicts the new "a" early.
	r.add("c")
	if !r.seen("a") || r.seen("b") {
		t.Fatalf("expected window [a c], got a=%v b=%v", r.seen("a"), r.seen("b"))
	}
}
