package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares generations across processes that cache the same
// backend. With a TTL, idle generation keys expire and restart from 0; pick a
// TTL longer than the frame TTL of the caches reading them.
type RedisGenStore struct {
	rdb         redis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*RedisGenStore)(nil)

type RedisConfig struct {
	Client      redis.UniversalClient
	Prefix      string        // "" => "caskv:gen"
	TTL         time.Duration // 0 => generation keys never expire
	CloseClient bool
}

func NewRedisGenStore(cfg RedisConfig) *RedisGenStore {
	s := &RedisGenStore{rdb: cfg.Client, prefix: cfg.Prefix, ttl: cfg.TTL, closeClient: cfg.CloseClient}
	if s.prefix == "" {
		s.prefix = "caskv:gen"
	}
	return s
}

func (s *RedisGenStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisGenStore) Snapshot(ctx context.Context, key string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(key, res)
}

func (s *RedisGenStore) SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rk := make([]string, len(keys))
	for i, k := range keys {
		rk[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, rk...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		var g uint64
		switch vv := v.(type) {
		case nil:
		case string:
			if g, err = parseGen(keys[i], vv); err != nil {
				return nil, err
			}
		default:
			if g, err = parseGen(keys[i], fmt.Sprint(vv)); err != nil {
				return nil, err
			}
		}
		out[keys[i]] = g
	}
	return out, nil
}

// Bump is INCR, pipelined with EXPIRE when a TTL is set.
func (s *RedisGenStore) Bump(ctx context.Context, key string) (uint64, error) {
	k := s.key(key)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		return uint64(v), err
	}
	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is a no-op; Redis expires generation keys itself when a TTL is set.
func (s *RedisGenStore) Cleanup(time.Duration) {}

func (s *RedisGenStore) Close(context.Context) error {
	if s.closeClient {
		return s.rdb.Close()
	}
	return nil
}

func parseGen(key, s string) (uint64, error) {
	g, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: bad generation for %q: %w", key, err)
	}
	return g, nil
}
