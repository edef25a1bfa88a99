// Package redis is a shared caskv backend on Redis.
//
// Per namespace it keeps:
//
//	{<prefix>:<ns>}:e:<key>  - wire record (version, expiry, payload)
//	{<prefix>:<ns>}:idx      - sorted set of keys (score 0) for lexicographic scans
//	{<prefix>:<ns>}:rev      - namespace revision
//
// The hash tag keeps one namespace in one cluster slot so WATCH/MULTI can span
// its keys. Commits are optimistic: WATCH the touched entries and the revision,
// check versions, then MULTI/EXEC. A concurrent commit aborts EXEC and the
// commit is re-evaluated.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/caskv/backend"
)

var (
	ErrNilClient = errors.New("redis backend: nil client")
	// ErrContention is returned when a commit kept losing EXEC races.
	ErrContention = errors.New("redis backend: commit contention")
)

const (
	defaultPrefix     = "caskv"
	defaultScanPage   = 256
	defaultTxAttempts = 32
)

type Config struct {
	Client      goredis.UniversalClient
	Prefix      string // key prefix; "" => "caskv"
	ScanPage    int    // keys fetched per ZRANGEBYLEX; 0 => 256
	TxAttempts  int    // EXEC retries per commit; 0 => 32
	CloseClient bool   // set true only if this backend exclusively owns the client
}

type Backend struct {
	rdb         goredis.UniversalClient
	prefix      string
	page        int64
	attempts    int
	closeClient bool
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	b := &Backend{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		page:        int64(cfg.ScanPage),
		attempts:    cfg.TxAttempts,
		closeClient: cfg.CloseClient,
	}
	if b.prefix == "" {
		b.prefix = defaultPrefix
	}
	if b.page <= 0 {
		b.page = defaultScanPage
	}
	if b.attempts <= 0 {
		b.attempts = defaultTxAttempts
	}
	return b, nil
}

func (b *Backend) tag(ns string) string           { return "{" + b.prefix + ":" + ns + "}" }
func (b *Backend) entryKey(ns, key string) string { return b.tag(ns) + ":e:" + key }
func (b *Backend) indexKey(ns string) string      { return b.tag(ns) + ":idx" }
func (b *Backend) revKey(ns string) string        { return b.tag(ns) + ":rev" }

func (b *Backend) Get(ctx context.Context, ns, key string) (backend.Entry, bool, error) {
	raw, err := b.rdb.Get(ctx, b.entryKey(ns, key)).Bytes()
	if err == goredis.Nil {
		return backend.Entry{}, false, nil
	}
	if err != nil {
		return backend.Entry{}, false, err
	}
	e, err := backend.DecodeRecord(key, raw)
	if err != nil {
		return backend.Entry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return e, true, nil
}

func (b *Backend) GetMany(ctx context.Context, ns string, keys []string) (map[string]backend.Entry, error) {
	if len(keys) == 0 {
		return map[string]backend.Entry{}, nil
	}
	return b.mget(ctx, b.rdb, ns, keys)
}

type mgetter interface {
	MGet(ctx context.Context, keys ...string) *goredis.SliceCmd
}

// mget reads entries through c (client or watching tx). MGET is atomic, which
// gives GetMany its snapshot.
func (b *Backend) mget(ctx context.Context, c mgetter, ns string, keys []string) (map[string]backend.Entry, error) {
	eks := make([]string, len(keys))
	for i, k := range keys {
		eks[i] = b.entryKey(ns, k)
	}
	vals, err := c.MGet(ctx, eks...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]backend.Entry, len(keys))
	for i, v := range vals {
		var raw []byte
		switch vv := v.(type) {
		case nil:
			continue
		case string:
			raw = []byte(vv)
		case []byte:
			raw = vv
		default:
			return nil, fmt.Errorf("redis backend: unexpected reply %T for %q", v, keys[i])
		}
		e, err := backend.DecodeRecord(keys[i], raw)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", keys[i], err)
		}
		out[keys[i]] = e
	}
	return out, nil
}

func (b *Backend) Commit(ctx context.Context, ns string, writes []backend.Write) (uint64, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	if err := backend.CheckUnique(writes); err != nil {
		return 0, err
	}
	keys := make([]string, len(writes))
	watch := make([]string, 0, len(writes)+1)
	for i, w := range writes {
		keys[i] = w.Key
		watch = append(watch, b.entryKey(ns, w.Key))
	}
	revKey := b.revKey(ns)
	watch = append(watch, revKey)

	var rev uint64
	txf := func(tx *goredis.Tx) error {
		cur, err := b.mget(ctx, tx, ns, keys)
		if err != nil {
			return err
		}
		for _, w := range writes {
			if err := backend.Check(w, cur[w.Key].Version); err != nil {
				return err
			}
		}
		last, err := tx.Get(ctx, revKey).Uint64()
		if err != nil && err != goredis.Nil {
			return err
		}
		if !backend.Mutates(writes) {
			// guards only: the MGET above already read every version at one
			// point in time, so there is nothing to EXEC
			rev = last
			return nil
		}
		rev = last + 1

		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, revKey, strconv.FormatUint(rev, 10), 0)
			for _, w := range writes {
				if w.Guard {
					continue
				}
				if w.Delete {
					p.Del(ctx, b.entryKey(ns, w.Key))
					p.ZRem(ctx, b.indexKey(ns), w.Key)
					continue
				}
				p.Set(ctx, b.entryKey(ns, w.Key), backend.EncodeRecord(rev, w.Value, w.ExpiresAt), 0)
				p.ZAdd(ctx, b.indexKey(ns), goredis.Z{Score: 0, Member: w.Key})
			}
			return nil
		})
		return err
	}

	for i := 0; i < b.attempts; i++ {
		err := b.rdb.Watch(ctx, txf, watch...)
		if err == goredis.TxFailedErr {
			continue
		}
		if err != nil {
			return 0, err
		}
		return rev, nil
	}
	return 0, ErrContention
}

func (b *Backend) Scan(ctx context.Context, ns, after string, fn func(backend.Entry) bool) error {
	lo := "-"
	if after != "" {
		lo = "(" + after
	}
	for {
		members, err := b.rdb.ZRangeByLex(ctx, b.indexKey(ns), &goredis.ZRangeBy{
			Min:   lo,
			Max:   "+",
			Count: b.page,
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		entries, err := b.mget(ctx, b.rdb, ns, members)
		if err != nil {
			return err
		}
		for _, k := range members {
			e, ok := entries[k]
			if !ok {
				continue // deleted between index read and MGET
			}
			if !fn(e) {
				return nil
			}
		}
		if int64(len(members)) < b.page {
			return nil
		}
		lo = "(" + members[len(members)-1]
	}
}

// Close releases the underlying redis client only when this backend owns it.
func (b *Backend) Close(context.Context) error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
