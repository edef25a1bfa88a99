// Package provider is the byte cache behind backend/cached.
//
// The cached backend stores generation-stamped frames (see internal/wire) under
// keys of the form "<prefix>:<ns>:<key>". A Provider must hand back exactly the
// bytes it was given: frames are validated on every read and anything that
// fails validation is deleted, so a transforming store only causes misses.
package provider

import (
	"context"
	"time"
)

// Provider is a best-effort byte store with TTLs, safe for concurrent use.
// Losing entries is always allowed; returning altered bytes is not.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for at most ttl (0 => provider default). cost is a hint
	// for size-aware stores. ok=false means the store declined the write.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
