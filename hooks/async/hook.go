// Package asynchook moves hook delivery off the store's hot path. Events are
// queued to a fixed pool of workers and dropped when the queue is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{ConflictEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	kv, _ := caskv.New[Settings](caskv.Options[Settings]{
//	    Namespace: "guild:123:settings",
//	    Backend:   memory.New(memory.Config{}),
//	    Codec:     codec.JSON[Settings]{},
//	    Hooks:     hooks,
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/caskv"
)

type Hooks struct {
	inner caskv.Hooks
	q     chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex // guards closed against sends on a closed queue
	closed  bool
	dropped atomic.Uint64
}

var _ caskv.Hooks = (*Hooks)(nil)

func New(inner caskv.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events. Events raised after Close are dropped.
func (h *Hooks) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.q)
	h.mu.Unlock()
	h.wg.Wait()
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) Conflict(ns, key string)           { h.try(func() { h.inner.Conflict(ns, key) }) }
func (h *Hooks) RetriesExhausted(ns string, n int) { h.try(func() { h.inner.RetriesExhausted(ns, n) }) }
func (h *Hooks) Reaped(ns string, n int)           { h.try(func() { h.inner.Reaped(ns, n) }) }
func (h *Hooks) TransactRetry(ns string, keys, attempt int) {
	h.try(func() { h.inner.TransactRetry(ns, keys, attempt) })
}
func (h *Hooks) StorageFault(ns, op string, err error) {
	h.try(func() { h.inner.StorageFault(ns, op, err) })
}
