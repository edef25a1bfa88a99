// Package memory is an in-process caskv backend. Each namespace is an ordered
// B-tree; a single RWMutex makes commits atomic across keys.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/unkn0wn-root/caskv/backend"
)

const defaultDegree = 32

type item struct {
	key       string
	value     []byte
	version   uint64
	expiresAt time.Time
}

func less(a, b item) bool { return a.key < b.key }

func (i item) entry() backend.Entry {
	return backend.Entry{
		Key:       i.key,
		Value:     append([]byte(nil), i.value...),
		Version:   i.version,
		ExpiresAt: i.expiresAt,
	}
}

type space struct {
	rev  uint64
	tree *btree.BTreeG[item]
}

// Backend keeps all entries in memory. The zero value is not usable; call New.
type Backend struct {
	mu     sync.RWMutex
	spaces map[string]*space
	degree int
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

type Config struct {
	Degree int // B-tree degree; 0 => 32
}

func New(cfg Config) *Backend {
	d := cfg.Degree
	if d < 2 {
		d = defaultDegree
	}
	return &Backend{spaces: make(map[string]*space), degree: d}
}

// space returns the namespace tree, creating it when create is set.
// Caller holds mu (write lock if create).
func (b *Backend) space(ns string, create bool) *space {
	s, ok := b.spaces[ns]
	if !ok && create {
		s = &space{tree: btree.NewG[item](b.degree, less)}
		b.spaces[ns] = s
	}
	return s
}

func (b *Backend) Get(_ context.Context, ns, key string) (backend.Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return backend.Entry{}, false, backend.ErrClosed
	}
	s := b.space(ns, false)
	if s == nil {
		return backend.Entry{}, false, nil
	}
	it, ok := s.tree.Get(item{key: key})
	if !ok {
		return backend.Entry{}, false, nil
	}
	return it.entry(), true, nil
}

func (b *Backend) GetMany(_ context.Context, ns string, keys []string) (map[string]backend.Entry, error) {
	out := make(map[string]backend.Entry, len(keys))
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	s := b.space(ns, false)
	if s == nil {
		return out, nil
	}
	for _, k := range keys {
		if it, ok := s.tree.Get(item{key: k}); ok {
			out[k] = it.entry()
		}
	}
	return out, nil
}

func (b *Backend) Commit(_ context.Context, ns string, writes []backend.Write) (uint64, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	if err := backend.CheckUnique(writes); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, backend.ErrClosed
	}
	s := b.space(ns, true)

	// verify every precondition before touching the tree
	for _, w := range writes {
		var stored uint64
		if it, ok := s.tree.Get(item{key: w.Key}); ok {
			stored = it.version
		}
		if err := backend.Check(w, stored); err != nil {
			return 0, err
		}
	}

	if !backend.Mutates(writes) {
		return s.rev, nil
	}
	s.rev++
	rev := s.rev
	for _, w := range writes {
		if w.Guard {
			continue
		}
		if w.Delete {
			s.tree.Delete(item{key: w.Key})
			continue
		}
		s.tree.ReplaceOrInsert(item{
			key:       w.Key,
			value:     append([]byte(nil), w.Value...),
			version:   rev,
			expiresAt: w.ExpiresAt,
		})
	}
	return rev, nil
}

func (b *Backend) Scan(ctx context.Context, ns, after string, fn func(backend.Entry) bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return backend.ErrClosed
	}
	s := b.space(ns, false)
	if s == nil {
		return nil
	}
	var err error
	s.tree.AscendGreaterOrEqual(item{key: after}, func(it item) bool {
		if it.key == after {
			return true
		}
		if err = ctx.Err(); err != nil {
			return false
		}
		return fn(it.entry())
	})
	return err
}

// Len returns the number of stored entries in ns, expired ones included.
func (b *Backend) Len(ns string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s := b.space(ns, false); s != nil {
		return s.tree.Len()
	}
	return 0
}

func (b *Backend) Close(_ context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.spaces = nil
	b.mu.Unlock()
	return nil
}
