package caskv

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/caskv/backend"
)

// scanPage bounds how many raw entries Clear and Reap hold between commits.
const scanPage = 256

func (k *kv[V]) List(ctx context.Context, opts ListOptions) ([]string, error) {
	limit, err := pageLimit(opts.Limit, k.listLimit)
	if err != nil {
		return nil, err
	}
	now := k.clk.Now()
	keys := make([]string, 0, min(limit, 64))
	err = k.be.Scan(ctx, k.ns, opts.From, func(e backend.Entry) bool {
		if e.Expired(now) {
			return true
		}
		keys = append(keys, e.Key)
		return len(keys) < limit
	})
	if err != nil {
		return nil, k.fault("list", err)
	}
	return keys, nil
}

func (k *kv[V]) Items(ctx context.Context, opts ListOptions) ([]Item[V], error) {
	limit, err := pageLimit(opts.Limit, k.itemsLimit)
	if err != nil {
		return nil, err
	}
	now := k.clk.Now()
	raw := make([]backend.Entry, 0, min(limit, 64))
	err = k.be.Scan(ctx, k.ns, opts.From, func(e backend.Entry) bool {
		if e.Expired(now) {
			return true
		}
		raw = append(raw, e)
		return len(raw) < limit
	})
	if err != nil {
		return nil, k.fault("items", err)
	}

	items := make([]Item[V], len(raw))
	for i, e := range raw {
		v, err := k.decode("items", e)
		if err != nil {
			return nil, err
		}
		items[i] = Item[V]{Key: e.Key, Value: v, ExpiresAt: e.ExpiresAt}
	}
	return items, nil
}

func (k *kv[V]) Count(ctx context.Context) (int, error) {
	now := k.clk.Now()
	n := 0
	err := k.be.Scan(ctx, k.ns, "", func(e backend.Entry) bool {
		if !e.Expired(now) {
			n++
		}
		return true
	})
	if err != nil {
		return 0, k.fault("count", err)
	}
	return n, nil
}

// Clear deletes every entry of the namespace and returns how many of them were
// live. Each key is deleted against the version the scan saw, so a write that
// lands after the scan survives. Clear is not atomic across the namespace.
func (k *kv[V]) Clear(ctx context.Context) (int, error) {
	_, live, err := k.drain(ctx, "clear", func(backend.Entry) bool { return true })
	return live, err
}

// drain pages through raw entries and deletes those selected by pick, one
// conditional commit per key. A key that moved since the scan is left alone.
// It returns how many entries were removed and how many of them were live.
func (k *kv[V]) drain(ctx context.Context, op string, pick func(backend.Entry) bool) (removed, live int, err error) {
	after := ""
	for {
		page := make([]backend.Entry, 0, scanPage)
		err := k.be.Scan(ctx, k.ns, after, func(e backend.Entry) bool {
			page = append(page, e)
			return len(page) < scanPage
		})
		if err != nil {
			return removed, live, k.fault(op, err)
		}

		now := k.clk.Now()
		for _, e := range page {
			if !pick(e) {
				continue
			}
			_, err := k.be.Commit(ctx, k.ns, []backend.Write{{Key: e.Key, Expect: e.Version, Delete: true}})
			switch {
			case err == nil:
				removed++
				if !e.Expired(now) {
					live++
				}
			case errors.Is(err, backend.ErrVersionMismatch):
				// rewritten or already gone
			default:
				return removed, live, k.fault(op, err)
			}
		}

		if len(page) < scanPage {
			return removed, live, nil
		}
		after = page[len(page)-1].Key
	}
}

func pageLimit(limit, ceiling int) (int, error) {
	switch {
	case limit < 0:
		return 0, invalid("limit", "negative limit %d", limit)
	case limit == 0:
		return ceiling, nil
	case limit > ceiling:
		return 0, invalid("limit", "%d exceeds maximum of %d", limit, ceiling)
	}
	return limit, nil
}
