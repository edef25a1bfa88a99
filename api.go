package caskv

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/caskv/backend"
	c "github.com/unkn0wn-root/caskv/codec"
)

// KV is one namespace of the store. V is the caller's value type; serialization
// is handled by a pluggable Codec[V]. All methods are safe for concurrent use.
type KV[V any] interface {
	Namespace() string
	Close(context.Context) error

	// Reads. Expired entries are absent.
	Get(ctx context.Context, key string) (v V, ok bool, err error)
	GetEntry(ctx context.Context, key string) (e Entry[V], ok bool, err error)
	List(ctx context.Context, opts ListOptions) ([]string, error)
	Items(ctx context.Context, opts ListOptions) ([]Item[V], error)
	Count(ctx context.Context) (int, error)

	// Writes
	Put(ctx context.Context, key string, value V, opts PutOptions) error
	Delete(ctx context.Context, key string, opts DeleteOptions[V]) error
	Clear(ctx context.Context) (removed int, err error)

	// Compare-and-set. Failures are returned, never retried.
	Cas(ctx context.Context, op CasOp[V]) error
	CasIfAbsent(ctx context.Context, key string, set V, ttl time.Duration) error
	CasIfEquals(ctx context.Context, key string, compare, set V, ttl time.Duration) error
	CasDelete(ctx context.Context, key string, compare V) error
	CasMulti(ctx context.Context, ops []CasOp[V]) error

	// Optimistic read-modify-write. fn may run several times and must not
	// have side effects. See TransactWithResult for threading a result out.
	Transact(ctx context.Context, key string, fn TxFunc[V]) (Maybe[V], error)
	TransactMulti(ctx context.Context, keys []string, fn TxMultiFunc[V]) ([]Maybe[V], error)

	// Reap runs one expiry sweep and returns the number of entries removed.
	Reap(ctx context.Context) (int, error)
}

// TxFunc computes the next value from the previous one. Returning None deletes
// the key; returning an error aborts the transaction without retry.
type TxFunc[V any] func(prev Maybe[V]) (next Maybe[V], err error)

// TxMultiFunc is TxFunc over several keys; prev and next are in key order.
type TxMultiFunc[V any] func(prev []Maybe[V]) (next []Maybe[V], err error)

// Entry is a live value with its version.
type Entry[V any] struct {
	Key       string
	Value     V
	Version   uint64
	ExpiresAt time.Time // zero => no expiry
}

// Item is one element of Items.
type Item[V any] struct {
	Key       string
	Value     V
	ExpiresAt time.Time
}

// PutOptions. TTLEpoch wins over TTL when both are set.
type PutOptions struct {
	TTL         time.Duration
	TTLEpoch    time.Time
	IfNotExists bool // fail with AlreadyExistsError if a live entry exists
}

// DeleteOptions. Without PrevValue a missing key fails with NotFoundError;
// with it, the live value must match or the delete fails with ConflictError.
type DeleteOptions[V any] struct {
	PrevValue Maybe[V]
}

// ListOptions page through keys in ascending byte order. From is exclusive.
// Limit 0 selects the default; a short page means the end was reached.
type ListOptions struct {
	From  string
	Limit int
}

// CasOp is one compare-and-set unit. Compare None requires the key to be
// absent; Set None deletes it. TTL must be given on every write: a CAS set
// without TTL stores a value that never expires.
type CasOp[V any] struct {
	Key      string
	Compare  Maybe[V]
	Set      Maybe[V]
	TTL      time.Duration
	TTLEpoch time.Time
}

// RetryPolicy bounds Transact retries under contention. Waits grow
// exponentially from InitialInterval up to MaxInterval with +/- Jitter.
type RetryPolicy struct {
	MaxAttempts     int           // 0 => 16
	InitialInterval time.Duration // 0 => 2ms; negative => retry immediately
	MaxInterval     time.Duration // 0 => 100ms
	Multiplier      float64       // 0 => 2
	Jitter          float64       // 0 => 0.5; negative => none
}

// Options tune a namespace handle.
// Only Namespace, Backend and Codec are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Namespace string // logical partition, e.g. "guild:123:settings"
	Backend   backend.Backend
	Codec     c.Codec[V]

	Logger        Logger        // if nil, NopLogger is used
	Hooks         Hooks         // if nil, NopHooks is used
	Clock         clock.Clock   // nil => wall clock
	SweepInterval time.Duration // expiry reaper cadence; 0 => 1m, negative disables
	Retry         RetryPolicy
	MaxKeyLen     int // bytes; 0 => 256
	MaxValueSize  int // encoded bytes; 0 => unlimited
	ListLimit     int // default and max page for List; 0 => 1000
	ItemsLimit    int // default and max page for Items; 0 => 100
	MaxBatch      int // max ops per CasMulti/TransactMulti; 0 => 64
	// Equal compares decoded values for CAS. Default: byte-exact for []byte,
	// structural (go-cmp) otherwise.
	Equal        func(a, b V) bool
	CloseBackend bool // close Backend when the KV is closed
}

func New[V any](opts Options[V]) (KV[V], error) {
	k, err := newKV[V](opts)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// TransactWithResult is Transact where fn also yields a result. The result of
// the attempt that committed is returned; results of lost attempts are dropped.
func TransactWithResult[V, R any](ctx context.Context, kv KV[V], key string,
	fn func(prev Maybe[V]) (next Maybe[V], result R, err error),
) (Maybe[V], R, error) {
	var res R
	next, err := kv.Transact(ctx, key, func(prev Maybe[V]) (Maybe[V], error) {
		n, r, err := fn(prev)
		if err != nil {
			return n, err
		}
		res = r
		return n, nil
	})
	if err != nil {
		var zero R
		return next, zero, err
	}
	return next, res, nil
}

// TransactMultiWithResult is TransactMulti where fn also yields a result.
func TransactMultiWithResult[V, R any](ctx context.Context, kv KV[V], keys []string,
	fn func(prev []Maybe[V]) (next []Maybe[V], result R, err error),
) ([]Maybe[V], R, error) {
	var res R
	next, err := kv.TransactMulti(ctx, keys, func(prev []Maybe[V]) ([]Maybe[V], error) {
		n, r, err := fn(prev)
		if err != nil {
			return n, err
		}
		res = r
		return n, nil
	})
	if err != nil {
		var zero R
		return next, zero, err
	}
	return next, res, nil
}
