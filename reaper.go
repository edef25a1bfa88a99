package caskv

import (
	"context"

	"github.com/unkn0wn-root/caskv/backend"
)

// Reap removes entries that are expired at the time of the call. Reads never
// observe expired entries, so reaping only reclaims space.
func (k *kv[V]) Reap(ctx context.Context) (int, error) {
	now := k.clk.Now()
	removed, _, err := k.drain(ctx, "reap", func(e backend.Entry) bool { return e.Expired(now) })
	if removed > 0 {
		k.hooks.Reaped(k.ns, removed)
		k.log.Debug("reaped expired entries", Fields{"ns": k.ns, "removed": removed})
	}
	return removed, err
}

func (k *kv[V]) sweepLoop() {
	defer k.closeWg.Done()
	for {
		select {
		case <-k.ticker.C:
			if _, err := k.Reap(k.stopCtx); err != nil && k.stopCtx.Err() == nil {
				k.log.Warn("expiry sweep failed", Fields{"ns": k.ns, "err": err})
			}
		case <-k.stopCh:
			return
		}
	}
}
