package caskv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/unkn0wn-root/caskv/backend"
	c "github.com/unkn0wn-root/caskv/codec"
)

type kv[V any] struct {
	ns    string
	be    backend.Backend
	codec c.Codec[V]
	log   Logger
	hooks Hooks
	clk   clock.Clock
	equal func(a, b V) bool
	retry RetryPolicy

	maxKeyLen    int
	maxValueSize int
	listLimit    int
	itemsLimit   int
	maxBatch     int
	closeBackend bool

	// background reaper
	sweep     time.Duration
	ticker    *clock.Ticker
	stopCh    chan struct{}
	stopCtx   context.Context
	stop      context.CancelFunc
	closeWg   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newKV[V any](opts Options[V]) (*kv[V], error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("caskv: backend is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("caskv: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("caskv: namespace is required")
	}

	k := &kv[V]{
		ns:           opts.Namespace,
		be:           opts.Backend,
		codec:        opts.Codec,
		closeBackend: opts.CloseBackend,
	}

	// defaults
	k.log = coalesce[Logger](opts.Logger, NopLogger{})
	k.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	k.clk = coalesce[clock.Clock](opts.Clock, clock.New())
	k.sweep = coalesce[time.Duration](opts.SweepInterval, defaultSweepInterval)
	k.maxKeyLen = coalesce[int](opts.MaxKeyLen, defaultMaxKeyLen)
	k.maxValueSize = opts.MaxValueSize
	k.listLimit = coalesce[int](opts.ListLimit, defaultListLimit)
	k.itemsLimit = coalesce[int](opts.ItemsLimit, defaultItemsLimit)
	k.maxBatch = coalesce[int](opts.MaxBatch, defaultMaxBatch)
	k.retry = opts.Retry.withDefaults()

	if opts.Equal != nil {
		k.equal = opts.Equal
	} else {
		k.equal = defaultEqual[V]
	}

	if k.sweep > 0 {
		k.ticker = k.clk.Ticker(k.sweep)
		k.stopCh = make(chan struct{})
		k.stopCtx, k.stop = context.WithCancel(context.Background())
		k.closeWg.Add(1)
		go k.sweepLoop()
	}
	return k, nil
}

var equalOpts = []cmp.Option{
	protocmp.Transform(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

func defaultEqual[V any](a, b V) bool {
	if ab, ok := any(a).([]byte); ok {
		bb, _ := any(b).([]byte)
		return bytes.Equal(ab, bb)
	}
	return cmp.Equal(a, b, equalOpts...)
}

func (k *kv[V]) Namespace() string { return k.ns }

// Close stops the reaper and, with CloseBackend, closes the backend. Only the
// first call does any work; later calls return its result.
func (k *kv[V]) Close(ctx context.Context) error {
	k.closeOnce.Do(func() {
		if k.stopCh != nil {
			k.stop()
			close(k.stopCh)
			k.ticker.Stop()
			k.closeWg.Wait()
		}
		if k.closeBackend {
			k.closeErr = k.be.Close(ctx)
		}
	})
	return k.closeErr
}

func (k *kv[V]) Get(ctx context.Context, key string) (V, bool, error) {
	e, ok, err := k.GetEntry(ctx, key)
	return e.Value, ok, err
}

func (k *kv[V]) GetEntry(ctx context.Context, key string) (Entry[V], bool, error) {
	var zero Entry[V]
	if err := k.validKey(key); err != nil {
		return zero, false, err
	}
	raw, ok, err := k.be.Get(ctx, k.ns, key)
	if err != nil {
		return zero, false, k.fault("get", err)
	}
	if !ok || raw.Expired(k.clk.Now()) {
		return zero, false, nil
	}
	v, err := k.decode("get", raw)
	if err != nil {
		return zero, false, err
	}
	return Entry[V]{Key: key, Value: v, Version: raw.Version, ExpiresAt: raw.ExpiresAt}, true, nil
}

func (k *kv[V]) Put(ctx context.Context, key string, value V, opts PutOptions) error {
	if err := k.validKey(key); err != nil {
		return err
	}
	payload, err := k.encode(value)
	if err != nil {
		return err
	}
	exp, err := k.expiry(opts.TTL, opts.TTLEpoch)
	if err != nil {
		return err
	}
	s := step[V]{key: key, mode: cmpAny, payload: payload, expiresAt: exp}
	if opts.IfNotExists {
		s.mode = cmpAbsent
	}
	return k.apply(ctx, "put", []step[V]{s}, false)
}

func (k *kv[V]) Delete(ctx context.Context, key string, opts DeleteOptions[V]) error {
	if err := k.validKey(key); err != nil {
		return err
	}
	s := step[V]{key: key, mode: cmpPresent, del: true}
	if opts.PrevValue.OK {
		want, err := k.normalize(opts.PrevValue.Value)
		if err != nil {
			return err
		}
		s.mode, s.want = cmpEqual, want
	}
	return k.apply(ctx, "delete", []step[V]{s}, false)
}

// encode serializes v and enforces MaxValueSize.
func (k *kv[V]) encode(v V) ([]byte, error) {
	b, err := k.codec.Encode(v)
	if err != nil {
		return nil, invalid("value", "encode: %v", err)
	}
	if k.maxValueSize > 0 && len(b) > k.maxValueSize {
		return nil, invalid("value", "%d bytes exceeds limit of %d", len(b), k.maxValueSize)
	}
	return b, nil
}

func (k *kv[V]) decode(op string, e backend.Entry) (V, error) {
	v, err := k.codec.Decode(e.Value)
	if err != nil {
		var zero V
		return zero, k.fault(op, fmt.Errorf("decode %q: %w", e.Key, err))
	}
	return v, nil
}

// normalize passes v through the codec so it compares like a stored value
// (e.g. JSON numbers become float64).
func (k *kv[V]) normalize(v V) (V, error) {
	b, err := k.encode(v)
	if err != nil {
		var zero V
		return zero, err
	}
	out, err := k.codec.Decode(b)
	if err != nil {
		var zero V
		return zero, invalid("compare", "decode: %v", err)
	}
	return out, nil
}

// expiry resolves the absolute expiry instant. TTLEpoch takes precedence.
func (k *kv[V]) expiry(ttl time.Duration, epoch time.Time) (time.Time, error) {
	if !epoch.IsZero() {
		return epoch, nil
	}
	if ttl < 0 {
		return time.Time{}, invalid("ttl", "negative duration %s", ttl)
	}
	if ttl == 0 {
		return time.Time{}, nil
	}
	return k.clk.Now().Add(ttl), nil
}

func (k *kv[V]) validKey(key string) error {
	if key == "" {
		return invalid("key", "empty")
	}
	if len(key) > k.maxKeyLen {
		return invalid("key", "%d bytes exceeds limit of %d", len(key), k.maxKeyLen)
	}
	return nil
}

// fault wraps a backend or codec failure and reports it.
func (k *kv[V]) fault(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	k.hooks.StorageFault(k.ns, op, err)
	k.log.Warn("storage fault", Fields{"ns": k.ns, "op": op, "err": err})
	return &StorageError{Op: op, Err: err}
}
