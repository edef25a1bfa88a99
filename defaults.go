package caskv

import "time"

const (
	defaultMaxKeyLen     = 256
	defaultListLimit     = 1000
	defaultItemsLimit    = 100
	defaultMaxBatch      = 64
	defaultSweepInterval = time.Minute

	defaultMaxAttempts     = 16
	defaultInitialInterval = 2 * time.Millisecond
	defaultMaxInterval     = 100 * time.Millisecond
	defaultMultiplier      = 2.0
	defaultJitter          = 0.5
)

// coalesce returns def when v is the zero value of T, otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
