package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type localGen struct {
	gen     uint64
	touched time.Time
}

// LocalGenStore keeps generations in-process. Idle keys can be pruned by a
// cleanup loop; a pruned key restarts above every generation pruned so far,
// so frames stamped before the prune stay invalid.
type LocalGenStore struct {
	mu    sync.RWMutex
	gens  map[string]localGen
	floor uint64 // generation of keys without an entry
	clk   clock.Clock

	ticker    *clock.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ GenStore = (*LocalGenStore)(nil)

// NewLocalGenStore starts a cleanup loop when both durations are positive.
func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	return NewLocalGenStoreWithClock(clock.New(), cleanupInterval, retention)
}

func NewLocalGenStoreWithClock(clk clock.Clock, cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{gens: make(map[string]localGen), clk: clk}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = clk.Ticker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.loop(retention)
	}
	return s
}

func (s *LocalGenStore) loop(retention time.Duration) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.Cleanup(retention)
		case <-s.stopCh:
			return
		}
	}
}

func (s *LocalGenStore) Snapshot(_ context.Context, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genLocked(key), nil
}

// SnapshotMany reads all keys under one lock.
func (s *LocalGenStore) SnapshotMany(_ context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	s.mu.RLock()
	for _, k := range keys {
		out[k] = s.genLocked(k)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *LocalGenStore) genLocked(key string) uint64 {
	if e, ok := s.gens[key]; ok {
		return e.gen
	}
	return s.floor
}

func (s *LocalGenStore) Bump(_ context.Context, key string) (uint64, error) {
	now := s.clk.Now()
	s.mu.Lock()
	g := s.genLocked(key) + 1
	s.gens[key] = localGen{gen: g, touched: now}
	s.mu.Unlock()
	return g, nil
}

func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := s.clk.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := false
	top := s.floor
	for k, e := range s.gens {
		if e.touched.Before(cutoff) {
			top = max(top, e.gen)
			delete(s.gens, k)
			pruned = true
		}
	}
	if pruned {
		s.floor = top + 1
	}
}

// Len reports how many keys carry their own generation.
func (s *LocalGenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.gens)
}

// Close stops the cleanup loop. It is safe to call more than once and from
// several goroutines.
func (s *LocalGenStore) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}
