// Package cached puts a read-through byte cache in front of a Backend.
//
// Only Get is served from the cache. GetMany, Commit and Scan always go to the
// inner backend, so CAS snapshots and listings never see cached data.
//
// Cached frames are stamped with the key's generation (see genstore) observed
// before the inner read that filled them, and are served only while that
// generation is current. Commit bumps the generation of every key it writes
// and drops their frames, so once Commit returns no reader can be served the
// previous value. A frame that fails validation is deleted on sight.
//
// When several processes share the inner backend, they must also share the
// generations (genstore.RedisGenStore); a LocalGenStore only sees commits made
// through this process.
package cached

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/caskv/backend"
	"github.com/unkn0wn-root/caskv/genstore"
	"github.com/unkn0wn-root/caskv/internal/wire"
	"github.com/unkn0wn-root/caskv/provider"
)

const (
	defaultTTL    = 5 * time.Minute
	defaultPrefix = "caskv"
)

type Config struct {
	Inner    backend.Backend
	Provider provider.Provider
	GenStore genstore.GenStore // nil => in-process LocalGenStore
	TTL      time.Duration     // frame lifetime; 0 => 5m
	Prefix   string            // cache key prefix; "" => "caskv"
	Logger   *zap.Logger       // nil => no logging
}

// Backend is a backend.Backend. Closing it closes the inner backend, the
// provider and the generation store.
type Backend struct {
	inner  backend.Backend
	cache  provider.Provider
	gens   genstore.GenStore
	ttl    time.Duration
	prefix string
	log    *zap.Logger
	sf     singleflight.Group
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.Inner == nil {
		return nil, errors.New("cached: inner backend is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("cached: provider is required")
	}
	b := &Backend{
		inner:  cfg.Inner,
		cache:  cfg.Provider,
		gens:   cfg.GenStore,
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		log:    cfg.Logger,
	}
	if b.gens == nil {
		b.gens = genstore.NewLocalGenStore(0, 0)
	}
	if b.ttl <= 0 {
		b.ttl = defaultTTL
	}
	if b.prefix == "" {
		b.prefix = defaultPrefix
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	b.log = b.log.With(zap.String("component", "cached"))
	return b, nil
}

// cacheKey is unambiguous for any namespace: the length prefix fixes where
// the namespace ends.
func (b *Backend) cacheKey(ns, key string) string {
	return b.prefix + ":" + strconv.Itoa(len(ns)) + ":" + ns + ":" + key
}

func (b *Backend) Get(ctx context.Context, ns, key string) (backend.Entry, bool, error) {
	ck := b.cacheKey(ns, key)
	gen, err := b.gens.Snapshot(ctx, ck)
	if err != nil {
		b.log.Warn("generation snapshot failed; bypassing cache", zap.String("key", ck), zap.Error(err))
		return b.inner.Get(ctx, ns, key)
	}

	if e, ok := b.fromCache(ctx, ck, key, gen); ok {
		return e, true, nil
	}

	// the flight key carries gen so a reader never joins a read that started
	// before a commit it has already observed
	v, err, _ := b.sf.Do(ck+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		e, ok, err := b.inner.Get(ctx, ns, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		b.fill(ctx, ck, gen, e)
		return e, nil
	})
	if err != nil {
		return backend.Entry{}, false, err
	}
	if v == nil {
		return backend.Entry{}, false, nil
	}
	e := v.(backend.Entry)
	// flight results are shared between callers; hand each a private value
	e.Value = append([]byte(nil), e.Value...)
	return e, true, nil
}

func (b *Backend) fromCache(ctx context.Context, ck, key string, gen uint64) (backend.Entry, bool) {
	raw, ok, err := b.cache.Get(ctx, ck)
	if err != nil {
		b.log.Debug("provider get failed", zap.String("key", ck), zap.Error(err))
		return backend.Entry{}, false
	}
	if !ok {
		return backend.Entry{}, false
	}
	fgen, rec, err := wire.DecodeFrame(raw)
	if err != nil {
		b.selfHeal(ctx, ck, "corrupt frame")
		return backend.Entry{}, false
	}
	if fgen != gen {
		b.selfHeal(ctx, ck, "generation mismatch")
		return backend.Entry{}, false
	}
	e, err := backend.DecodeRecord(key, rec)
	if err != nil {
		b.selfHeal(ctx, ck, "corrupt record")
		return backend.Entry{}, false
	}
	return e, true
}

func (b *Backend) fill(ctx context.Context, ck string, gen uint64, e backend.Entry) {
	// skip the write when a commit already moved the key
	if cur, err := b.gens.Snapshot(ctx, ck); err != nil || cur != gen {
		return
	}
	frame := wire.EncodeFrame(gen, backend.EncodeRecord(e.Version, e.Value, e.ExpiresAt))
	ok, err := b.cache.Set(ctx, ck, frame, int64(len(frame)), b.ttl)
	if err != nil {
		b.log.Debug("provider set failed", zap.String("key", ck), zap.Error(err))
		return
	}
	if !ok {
		b.log.Debug("provider rejected frame", zap.String("key", ck))
	}
}

func (b *Backend) selfHeal(ctx context.Context, ck, reason string) {
	b.log.Debug("dropping cached frame", zap.String("key", ck), zap.String("reason", reason))
	_ = b.cache.Del(ctx, ck)
}

func (b *Backend) GetMany(ctx context.Context, ns string, keys []string) (map[string]backend.Entry, error) {
	return b.inner.GetMany(ctx, ns, keys)
}

func (b *Backend) Commit(ctx context.Context, ns string, writes []backend.Write) (uint64, error) {
	rev, err := b.inner.Commit(ctx, ns, writes)
	if err != nil {
		return rev, err
	}
	for _, w := range writes {
		if w.Guard {
			continue
		}
		b.invalidate(ctx, b.cacheKey(ns, w.Key))
	}
	return rev, nil
}

// invalidate bumps the generation and drops the frame. Either one alone is
// enough to keep the old frame from being served.
func (b *Backend) invalidate(ctx context.Context, ck string) {
	_, bumpErr := b.gens.Bump(ctx, ck)
	delErr := b.cache.Del(ctx, ck)
	switch {
	case bumpErr != nil && delErr != nil:
		b.log.Error("invalidation failed; stale frame may be served until it expires",
			zap.String("key", ck), zap.NamedError("bump_err", bumpErr), zap.NamedError("del_err", delErr))
	case bumpErr != nil:
		b.log.Warn("generation bump failed", zap.String("key", ck), zap.Error(bumpErr))
	}
}

func (b *Backend) Scan(ctx context.Context, ns, after string, fn func(backend.Entry) bool) error {
	return b.inner.Scan(ctx, ns, after, fn)
}

func (b *Backend) Close(ctx context.Context) error {
	return multierr.Combine(
		b.inner.Close(ctx),
		b.cache.Close(ctx),
		b.gens.Close(ctx),
	)
}
