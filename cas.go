package caskv

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/caskv/backend"
)

type cmpMode uint8

const (
	cmpAny     cmpMode = iota // unconditional
	cmpAbsent                 // no live entry
	cmpEqual                  // live value equals want
	cmpPresent                // any live entry
)

// step is a validated, encoded CAS unit ready for apply.
type step[V any] struct {
	key       string
	mode      cmpMode
	want      V
	del       bool
	payload   []byte
	expiresAt time.Time
}

func (k *kv[V]) Cas(ctx context.Context, op CasOp[V]) error {
	s, err := k.prepare(op)
	if err != nil {
		return err
	}
	return k.apply(ctx, "cas", []step[V]{s}, false)
}

func (k *kv[V]) CasIfAbsent(ctx context.Context, key string, set V, ttl time.Duration) error {
	return k.Cas(ctx, CasOp[V]{Key: key, Set: Some(set), TTL: ttl})
}

func (k *kv[V]) CasIfEquals(ctx context.Context, key string, compare, set V, ttl time.Duration) error {
	return k.Cas(ctx, CasOp[V]{Key: key, Compare: Some(compare), Set: Some(set), TTL: ttl})
}

func (k *kv[V]) CasDelete(ctx context.Context, key string, compare V) error {
	return k.Cas(ctx, CasOp[V]{Key: key, Compare: Some(compare)})
}

// CasMulti applies every op or none. Keys must be unique. Any failed predicate
// fails the call with a ConflictError naming the first failing key in op order.
func (k *kv[V]) CasMulti(ctx context.Context, ops []CasOp[V]) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > k.maxBatch {
		return invalid("ops", "%d operations exceeds limit of %d", len(ops), k.maxBatch)
	}
	seen := make(map[string]struct{}, len(ops))
	steps := make([]step[V], 0, len(ops))
	for _, op := range ops {
		if _, dup := seen[op.Key]; dup {
			return invalid("ops", "duplicate key %q", op.Key)
		}
		seen[op.Key] = struct{}{}
		s, err := k.prepare(op)
		if err != nil {
			return err
		}
		steps = append(steps, s)
	}
	return k.apply(ctx, "cas_multi", steps, true)
}

func (k *kv[V]) prepare(op CasOp[V]) (step[V], error) {
	if err := k.validKey(op.Key); err != nil {
		return step[V]{}, err
	}
	s := step[V]{key: op.Key, mode: cmpAbsent}
	if op.Compare.OK {
		want, err := k.normalize(op.Compare.Value)
		if err != nil {
			return step[V]{}, err
		}
		s.mode, s.want = cmpEqual, want
	}
	if !op.Set.OK {
		s.del = true
		return s, nil
	}
	payload, err := k.encode(op.Set.Value)
	if err != nil {
		return step[V]{}, err
	}
	exp, err := k.expiry(op.TTL, op.TTLEpoch)
	if err != nil {
		return step[V]{}, err
	}
	s.payload, s.expiresAt = payload, exp
	return s, nil
}

// apply is the single write path. It snapshots the touched keys, judges every
// predicate against the snapshot and commits with the snapshot versions as
// preconditions. A version mismatch means a writer landed between snapshot and
// commit; the predicates are then judged again on a fresh snapshot, so a
// verdict is always taken against state that was current.
func (k *kv[V]) apply(ctx context.Context, op string, steps []step[V], multi bool) error {
	if unconditional(steps) {
		writes := make([]backend.Write, len(steps))
		for i, s := range steps {
			writes[i] = s.write(backend.AnyVersion, true)
		}
		if _, err := k.be.Commit(ctx, k.ns, writes); err != nil {
			return k.fault(op, err)
		}
		return nil
	}

	keys := make([]string, len(steps))
	for i, s := range steps {
		keys[i] = s.key
	}
	for {
		snap, err := k.be.GetMany(ctx, k.ns, keys)
		if err != nil {
			return k.fault(op, err)
		}
		now := k.clk.Now()
		writes := make([]backend.Write, 0, len(steps))
		for _, s := range steps {
			e, stored := snap[s.key]
			if err := k.check(op, s, e, stored && !e.Expired(now), multi); err != nil {
				return err
			}
			writes = append(writes, s.write(e.Version, stored))
		}

		_, err = k.be.Commit(ctx, k.ns, writes)
		if err == nil {
			return nil
		}
		if !errors.Is(err, backend.ErrVersionMismatch) {
			return k.fault(op, err)
		}
		k.log.Debug("snapshot moved before commit; re-evaluating", Fields{"ns": k.ns, "op": op})
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func unconditional[V any](steps []step[V]) bool {
	for _, s := range steps {
		if s.mode != cmpAny {
			return false
		}
	}
	return true
}

// write builds the backend write for s given the stored version. Deleting a
// key that is not stored becomes a guard so its absence is still verified.
func (s step[V]) write(expect uint64, stored bool) backend.Write {
	w := backend.Write{Key: s.key, Expect: expect}
	switch {
	case s.del && !stored:
		w.Guard = true
	case s.del:
		w.Delete = true
	default:
		w.Value, w.ExpiresAt = s.payload, s.expiresAt
	}
	return w
}

func (k *kv[V]) check(op string, s step[V], e backend.Entry, live, multi bool) error {
	switch s.mode {
	case cmpAbsent:
		if !live {
			return nil
		}
		k.conflict(s.key)
		if multi {
			return &ConflictError{Key: s.key}
		}
		return &AlreadyExistsError{Key: s.key}
	case cmpPresent:
		if !live {
			return &NotFoundError{Key: s.key}
		}
	case cmpEqual:
		if !live {
			k.conflict(s.key)
			return &ConflictError{Key: s.key}
		}
		cur, err := k.decode(op, e)
		if err != nil {
			return err
		}
		if !k.equal(cur, s.want) {
			k.conflict(s.key)
			return &ConflictError{Key: s.key}
		}
	}
	return nil
}

func (k *kv[V]) conflict(key string) {
	k.hooks.Conflict(k.ns, key)
	k.log.Debug("compare failed", Fields{"ns": k.ns, "key": key})
}
