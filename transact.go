package caskv

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unkn0wn-root/caskv/backend"
)

func (p RetryPolicy) withDefaults() RetryPolicy {
	p.MaxAttempts = coalesce[int](p.MaxAttempts, defaultMaxAttempts)
	p.InitialInterval = coalesce[time.Duration](p.InitialInterval, defaultInitialInterval)
	p.MaxInterval = coalesce[time.Duration](p.MaxInterval, defaultMaxInterval)
	p.Multiplier = coalesce[float64](p.Multiplier, defaultMultiplier)
	p.Jitter = coalesce[float64](p.Jitter, defaultJitter)
	return p
}

// backoff returns a fresh wait curve for one transaction, or nil when retries
// run back to back.
func (k *kv[V]) backoff() backoff.BackOff {
	if k.retry.InitialInterval < 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.retry.InitialInterval
	b.MaxInterval = k.retry.MaxInterval
	b.Multiplier = k.retry.Multiplier
	b.RandomizationFactor = max(k.retry.Jitter, 0)
	b.MaxElapsedTime = 0 // attempts bound the loop, not time
	b.Clock = k.clk
	b.Reset()
	return b
}

func (k *kv[V]) wait(ctx context.Context, b backoff.BackOff) error {
	if b == nil {
		return ctx.Err()
	}
	d := b.NextBackOff()
	if d <= 0 {
		return ctx.Err()
	}
	t := k.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (k *kv[V]) Transact(ctx context.Context, key string, fn TxFunc[V]) (Maybe[V], error) {
	next, err := k.TransactMulti(ctx, []string{key}, func(prev []Maybe[V]) ([]Maybe[V], error) {
		n, err := fn(prev[0])
		if err != nil {
			return nil, err
		}
		return []Maybe[V]{n}, nil
	})
	if err != nil {
		return None[V](), err
	}
	return next[0], nil
}

// TransactMulti reads keys as one snapshot, runs fn and commits the result
// only if none of the keys moved since the snapshot. Otherwise the whole
// read-compute-commit cycle runs again, up to RetryPolicy.MaxAttempts times.
// A value written by a transaction keeps the expiry of the entry it replaces.
func (k *kv[V]) TransactMulti(ctx context.Context, keys []string, fn TxMultiFunc[V]) ([]Maybe[V], error) {
	if err := k.validKeys(keys); err != nil {
		return nil, err
	}

	b := k.backoff()
	for attempt := 1; ; attempt++ {
		snap, err := k.be.GetMany(ctx, k.ns, keys)
		if err != nil {
			return nil, k.fault("transact", err)
		}
		now := k.clk.Now()
		prev := make([]Maybe[V], len(keys))
		for i, key := range keys {
			e, ok := snap[key]
			if !ok || e.Expired(now) {
				continue
			}
			v, err := k.decode("transact", e)
			if err != nil {
				return nil, err
			}
			prev[i] = Some(v)
		}

		next, err := fn(prev)
		if err != nil {
			return nil, err
		}
		if len(next) != len(keys) {
			return nil, invalid("next", "got %d values for %d keys", len(next), len(keys))
		}

		writes := make([]backend.Write, len(keys))
		for i, key := range keys {
			e, stored := snap[key]
			w := backend.Write{Key: key, Expect: e.Version}
			switch {
			case next[i].OK:
				payload, err := k.encode(next[i].Value)
				if err != nil {
					return nil, err
				}
				w.Value = payload
				if prev[i].OK {
					w.ExpiresAt = e.ExpiresAt
				}
			case stored:
				w.Delete = true
			default:
				w.Guard = true
			}
			writes[i] = w
		}

		_, err = k.be.Commit(ctx, k.ns, writes)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, backend.ErrVersionMismatch) {
			return nil, k.fault("transact", err)
		}

		if attempt >= k.retry.MaxAttempts {
			k.hooks.RetriesExhausted(k.ns, len(keys))
			k.log.Warn("transaction retries exhausted", Fields{"ns": k.ns, "keys": keys, "attempts": attempt})
			return nil, &RetriesExhaustedError{
				Keys:     append([]string(nil), keys...),
				Attempts: attempt,
				Last:     &ConflictError{Key: mismatchKey(err, keys)},
			}
		}
		k.hooks.TransactRetry(k.ns, len(keys), attempt)
		k.log.Debug("transaction lost race; retrying", Fields{"ns": k.ns, "keys": keys, "attempt": attempt})
		if err := k.wait(ctx, b); err != nil {
			return nil, err
		}
	}
}

func (k *kv[V]) validKeys(keys []string) error {
	if len(keys) == 0 {
		return invalid("keys", "empty")
	}
	if len(keys) > k.maxBatch {
		return invalid("keys", "%d keys exceeds limit of %d", len(keys), k.maxBatch)
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if err := k.validKey(key); err != nil {
			return err
		}
		if _, dup := seen[key]; dup {
			return invalid("keys", "duplicate key %q", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func mismatchKey(err error, keys []string) string {
	var me *backend.MismatchError
	if errors.As(err, &me) {
		return me.Key
	}
	return keys[0]
}
