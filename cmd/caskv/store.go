package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/caskv"
	"github.com/unkn0wn-root/caskv/backend"
	"github.com/unkn0wn-root/caskv/backend/bolt"
	"github.com/unkn0wn-root/caskv/backend/cached"
	redisbackend "github.com/unkn0wn-root/caskv/backend/redis"
	"github.com/unkn0wn-root/caskv/codec"
	"github.com/unkn0wn-root/caskv/genstore"
	asynchook "github.com/unkn0wn-root/caskv/hooks/async"
	caskvzap "github.com/unkn0wn-root/caskv/log/zap"
	"github.com/unkn0wn-root/caskv/provider/ristretto"
	"github.com/unkn0wn-root/caskv/sloghooks"
)

type globalFlags struct {
	db        string
	redis     string
	namespace string
	cache     bool
	verbose   bool
	events    bool
	timeout   time.Duration
}

func defaultDBPath() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".caskv", "caskv.db")
	}
	return "caskv.db"
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// openBackend opens bolt, or redis when an address is given, and wraps it in a
// read cache on request.
func openBackend(g *globalFlags, log *zap.Logger) (backend.Backend, error) {
	var (
		be  backend.Backend
		rdb goredis.UniversalClient
		err error
	)
	if g.redis != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: g.redis})
		be, err = redisbackend.New(redisbackend.Config{Client: rdb, CloseClient: true})
	} else {
		be, err = bolt.Open(bolt.Config{Path: g.db, Logger: log})
	}
	if err != nil {
		return nil, err
	}
	if !g.cache {
		return be, nil
	}

	p, err := ristretto.New(ristretto.Config{Sync: true})
	if err != nil {
		_ = be.Close(context.Background())
		return nil, fmt.Errorf("cache: %w", err)
	}
	var gens genstore.GenStore
	if rdb != nil {
		gens = genstore.NewRedisGenStore(genstore.RedisConfig{Client: rdb, TTL: 24 * time.Hour})
	}
	cb, err := cached.New(cached.Config{Inner: be, Provider: p, GenStore: gens, Logger: log})
	if err != nil {
		_ = p.Close(context.Background())
		_ = be.Close(context.Background())
		return nil, err
	}
	return cb, nil
}

// newEventHooks reports store events as slog text lines. Delivery is
// asynchronous so a slow terminal never stalls a commit.
func newEventHooks(w io.Writer) *asynchook.Hooks {
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return asynchook.New(sloghooks.New(l, sloghooks.Options{Redact: func(k string) string { return k }}), 1, 256)
}

func openKV(g *globalFlags, log *zap.Logger, hooks caskv.Hooks) (caskv.KV[any], error) {
	be, err := openBackend(g, log)
	if err != nil {
		return nil, err
	}
	kv, err := caskv.New[any](caskv.Options[any]{
		Namespace:     g.namespace,
		Backend:       be,
		Codec:         codec.JSON[any]{},
		Logger:        caskvzap.New(log),
		Hooks:         hooks,
		SweepInterval: -1, // one-shot process; `caskv reap` sweeps on demand
		CloseBackend:  true,
	})
	if err != nil {
		_ = be.Close(context.Background())
		return nil, err
	}
	return kv, nil
}
