// Package genstore keeps per-key generation counters for backend/cached.
//
// A cache frame is stamped with the generation observed before the backend
// read that produced it and is served only while the generation is unchanged.
// Every commit bumps the generation of the keys it wrote, so a frame filled
// from a pre-commit read can never be served after the commit. Generations
// only move forward: a store must never hand out a generation it handed out
// before for the same key.
package genstore

import (
	"context"
	"time"
)

type GenStore interface {
	// Snapshot returns the current generation of key.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns generations for keys; every key is present in the result.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically advances and returns the generation of key.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup drops metadata idle for longer than retention, if the store keeps any.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
