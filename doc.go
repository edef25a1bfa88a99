// Package caskv is a namespaced key-value store with compare-and-set and
// optimistic transactions over a pluggable storage backend.
//
// Every committed write to a namespace takes the next value of that namespace's
// revision counter, and an entry's Version is the revision that wrote it. A
// backend commits a batch of writes atomically, and only if each write's
// expected version still matches. Everything above that is built from this one
// primitive:
//
//   - Put, Delete and the Cas family read a snapshot, judge their predicates
//     against it and commit with the snapshot versions as preconditions.
//     A predicate that fails is reported; it is never retried.
//   - Transact and TransactMulti run a caller function on a snapshot and retry
//     the whole cycle with exponential backoff when another writer got there
//     first.
//   - Entries may carry an expiry instant. Reads treat expired entries as absent
//     and a background reaper removes them.
//
// Backends:
//
//	backend/memory   in-process B-tree
//	backend/bolt     single-file bbolt database
//	backend/redis    Redis, one hash tag per namespace
//	backend/cached   read-through cache in front of any of the above
//
// Usage:
//
//	kv, err := caskv.New[Settings](caskv.Options[Settings]{
//		Namespace: "guild:123:settings",
//		Backend:   memory.New(memory.Config{}),
//		Codec:     codec.JSON[Settings]{},
//	})
//	err = kv.CasIfAbsent(ctx, "prefix", Settings{Prefix: "!"}, 0)
//	next, err := kv.Transact(ctx, "counter", func(prev caskv.Maybe[Settings]) (caskv.Maybe[Settings], error) {
//		s := prev.Or(Settings{})
//		s.Count++
//		return caskv.Some(s), nil
//	})
package caskv
