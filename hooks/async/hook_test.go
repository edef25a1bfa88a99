package asynchook

import (
	"sync"
	"testing"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	block  chan struct{}
}

func (r *recorder) add(ev string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Conflict(ns, key string)                   { r.add("conflict " + key) }
func (r *recorder) TransactRetry(string, int, int)            { r.add("retry") }
func (r *recorder) RetriesExhausted(string, int)              { r.add("exhausted") }
func (r *recorder) Reaped(string, int)                        { r.add("reaped") }
func (r *recorder) StorageFault(_ string, op string, _ error) { r.add("fault " + op) }

func TestCloseDrainsQueue(t *testing.T) {
	rec := &recorder{}
	h := New(rec, 1, 16)

	h.Conflict("ns", "a")
	h.TransactRetry("ns", 1, 1)
	h.RetriesExhausted("ns", 1)
	h.Reaped("ns", 2)
	h.StorageFault("ns", "get", nil)
	h.Close()

	want := []string{"conflict a", "retry", "exhausted", "reaped", "fault get"}
	if len(rec.events) != len(want) {
		t.Fatalf("events = %v", rec.events)
	}
	for i := range want {
		if rec.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", rec.events, want)
		}
	}
	if h.Dropped() != 0 {
		t.Fatalf("dropped = %d", h.Dropped())
	}
}

func TestDropsWhenFullOrClosed(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	h := New(rec, 1, 1)

	// The worker takes the first event and blocks; the second fills the
	// queue; the rest are dropped.
	for i := 0; i < 10; i++ {
		h.Conflict("ns", "k")
	}
	if h.Dropped() < 8 {
		t.Fatalf("dropped = %d, want at least 8", h.Dropped())
	}

	close(rec.block)
	h.Close()
	h.Close()

	before := h.Dropped()
	h.Reaped("ns", 1)
	if h.Dropped() != before+1 {
		t.Fatal("event after Close not counted as dropped")
	}
}
