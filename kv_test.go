package caskv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/unkn0wn-root/caskv/backend"
	"github.com/unkn0wn-root/caskv/backend/memory"
	c "github.com/unkn0wn-root/caskv/codec"
)

type doc struct {
	A int `json:"a"`
}

// recHooks records hook calls.
type recHooks struct {
	mu        sync.Mutex
	conflicts []string
	retries   int
	exhausted int
	reaped    int
	faults    []string
}

func (h *recHooks) Conflict(_, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conflicts = append(h.conflicts, key)
}

func (h *recHooks) TransactRetry(string, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries++
}

func (h *recHooks) RetriesExhausted(string, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted++
}

func (h *recHooks) Reaped(_ string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reaped += n
}

func (h *recHooks) StorageFault(_, op string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, op)
}

type fixture[V any] struct {
	kv    KV[V]
	mem   *memory.Backend
	clk   *clock.Mock
	hooks *recHooks
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newFixture[V any](t *testing.T, codec c.Codec[V], optsOpt func(*Options[V])) *fixture[V] {
	t.Helper()
	f := &fixture[V]{mem: memory.New(memory.Config{}), clk: clock.NewMock(), hooks: &recHooks{}}
	f.clk.Set(epoch)
	opts := Options[V]{
		Namespace:     "test",
		Backend:       f.mem,
		Codec:         codec,
		Clock:         f.clk,
		Hooks:         f.hooks,
		SweepInterval: -1,
		Retry:         RetryPolicy{InitialInterval: -1},
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	kv, err := New[V](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close(context.Background()) })
	f.kv = kv
	return f
}

func newDocKV(t *testing.T) *fixture[doc] {
	return newFixture[doc](t, c.JSON[doc]{}, nil)
}

func mustGet[V any](t *testing.T, kv KV[V], key string) V {
	t.Helper()
	v, ok, err := kv.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %q: %v", key, err)
	}
	if !ok {
		t.Fatalf("get %q: absent", key)
	}
	return v
}

func mustAbsent[V any](t *testing.T, kv KV[V], key string) {
	t.Helper()
	if v, ok, err := kv.Get(context.Background(), key); err != nil || ok {
		t.Fatalf("get %q: want absent, got %v ok=%v err=%v", key, v, ok, err)
	}
}

func mustVersion[V any](t *testing.T, kv KV[V], key string) uint64 {
	t.Helper()
	e, ok, err := kv.GetEntry(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("entry %q: ok=%v err=%v", key, ok, err)
	}
	return e.Version
}

func TestScenarioPutGetCas(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	if err := kv.Put(ctx, "x", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, kv, "x"); got != (doc{A: 1}) {
		t.Fatalf("get x = %+v", got)
	}
	if err := kv.CasIfEquals(ctx, "x", doc{A: 1}, doc{A: 2}, 0); err != nil {
		t.Fatalf("cas 1->2: %v", err)
	}
	err := kv.CasIfEquals(ctx, "x", doc{A: 1}, doc{A: 3}, 0)
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Key != "x" {
		t.Fatalf("stale cas: want ConflictError on x, got %v", err)
	}
	if got := mustGet(t, kv, "x"); got != (doc{A: 2}) {
		t.Fatalf("get x after stale cas = %+v", got)
	}
}

func TestVersionsAdvanceOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	if err := kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	v1 := mustVersion(t, kv, "k")

	// failures in between must not advance the version
	_ = kv.CasIfEquals(ctx, "k", doc{A: 9}, doc{A: 9}, 0)
	_ = kv.CasIfAbsent(ctx, "k", doc{A: 9}, 0)
	_ = kv.Put(ctx, "k", doc{A: 9}, PutOptions{IfNotExists: true})
	_ = kv.Delete(ctx, "k", DeleteOptions[doc]{PrevValue: Some(doc{A: 9})})

	if err := kv.CasIfEquals(ctx, "k", doc{A: 1}, doc{A: 2}, 0); err != nil {
		t.Fatal(err)
	}
	v2 := mustVersion(t, kv, "k")
	if err := kv.Put(ctx, "k", doc{A: 3}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	v3 := mustVersion(t, kv, "k")
	if v2 != v1+1 || v3 != v2+1 {
		t.Fatalf("versions %d, %d, %d are not consecutive", v1, v2, v3)
	}
}

func TestCasAbsentRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	if err := kv.CasIfAbsent(ctx, "k", doc{A: 1}, 0); err != nil {
		t.Fatalf("cas absent: %v", err)
	}
	if got := mustGet(t, kv, "k"); got.A != 1 {
		t.Fatalf("get = %+v", got)
	}
	err := kv.CasIfAbsent(ctx, "k", doc{A: 2}, 0)
	var ae *AlreadyExistsError
	if !errors.As(err, &ae) || !errors.Is(err, ErrAlreadyExists) || ae.Key != "k" {
		t.Fatalf("second cas absent: want AlreadyExistsError, got %v", err)
	}
}

func TestCasDeleteThenConflict(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	if err := kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.CasDelete(ctx, "k", doc{A: 1}); err != nil {
		t.Fatalf("cas delete: %v", err)
	}
	mustAbsent(t, kv, "k")
	if err := kv.CasDelete(ctx, "k", doc{A: 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second cas delete: want ErrConflict, got %v", err)
	}
}

func TestCasAbsentAndDeleteAssertsAbsence(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)

	if err := f.kv.Cas(ctx, CasOp[doc]{Key: "k"}); err != nil {
		t.Fatalf("assert absent on absent key: %v", err)
	}
	if f.mem.Len("test") != 0 {
		t.Fatal("absence assertion wrote an entry")
	}
	if err := f.kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := f.kv.Cas(ctx, CasOp[doc]{Key: "k"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("assert absent on present key: %v", err)
	}
}

func TestCasWithoutTTLClearsExpiry(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)

	if err := f.kv.Put(ctx, "k", doc{A: 1}, PutOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if err := f.kv.CasIfEquals(ctx, "k", doc{A: 1}, doc{A: 2}, 0); err != nil {
		t.Fatal(err)
	}
	f.clk.Add(time.Hour)
	if got := mustGet(t, f.kv, "k"); got.A != 2 {
		t.Fatalf("get = %+v", got)
	}
}

func TestConcurrentCasSingleWinner(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv
	if err := kv.Put(ctx, "k", doc{A: 0}, PutOptions{}); err != nil {
		t.Fatal(err)
	}

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = kv.CasIfEquals(ctx, "k", doc{A: 0}, doc{A: i + 1}, 0)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			if got := mustGet(t, kv, "k"); got.A != i+1 {
				t.Fatalf("winner %d but value %+v", i, got)
			}
		case !errors.Is(err, ErrConflict):
			t.Fatalf("loser %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("%d winners, want exactly 1", winners)
	}
}

func TestCasMultiAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture[int](t, c.JSON[int]{}, nil)
	kv := f.kv

	if err := kv.Put(ctx, "a", 1, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "b", 3, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	va := mustVersion(t, kv, "a")

	err := kv.CasMulti(ctx, []CasOp[int]{
		{Key: "a", Compare: Some(1), Set: Some(2)},
		{Key: "b", Compare: Some(1), Set: Some(2)},
	})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Key != "b" {
		t.Fatalf("want ConflictError on b, got %v", err)
	}
	if got := mustGet(t, kv, "a"); got != 1 {
		t.Fatalf("a = %d, want 1", got)
	}
	if got := mustGet(t, kv, "b"); got != 3 {
		t.Fatalf("b = %d, want 3", got)
	}
	if mustVersion(t, kv, "a") != va {
		t.Fatal("a was restamped by a failed casMulti")
	}

	err = kv.CasMulti(ctx, []CasOp[int]{
		{Key: "a", Compare: Some(1), Set: Some(2)},
		{Key: "b", Compare: Some(3)},
		{Key: "c", Set: Some(7), TTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("casMulti: %v", err)
	}
	if got := mustGet(t, kv, "a"); got != 2 {
		t.Fatalf("a = %d", got)
	}
	mustAbsent(t, kv, "b")
	if mustVersion(t, kv, "a") != mustVersion(t, kv, "c") {
		t.Fatal("keys of one casMulti carry different versions")
	}
}

func TestCasMultiAbsentFailureIsConflict(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv
	if err := kv.Put(ctx, "b", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	err := kv.CasMulti(ctx, []CasOp[doc]{
		{Key: "a", Set: Some(doc{A: 1})},
		{Key: "b", Set: Some(doc{A: 1})},
	})
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Key != "b" {
		t.Fatalf("want ConflictError on b, got %v", err)
	}
	mustAbsent(t, kv, "a")
}

func TestCasMultiValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture[doc](t, c.JSON[doc]{}, func(o *Options[doc]) { o.MaxBatch = 2 })
	kv := f.kv

	if err := kv.CasMulti(ctx, nil); err != nil {
		t.Fatalf("empty casMulti: %v", err)
	}
	dup := []CasOp[doc]{{Key: "a", Set: Some(doc{})}, {Key: "a", Set: Some(doc{})}}
	if err := kv.CasMulti(ctx, dup); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate keys: %v", err)
	}
	big := []CasOp[doc]{{Key: "a"}, {Key: "b"}, {Key: "c"}}
	if err := kv.CasMulti(ctx, big); !errors.Is(err, ErrValidation) {
		t.Fatalf("oversized batch: %v", err)
	}
	if f.mem.Len("test") != 0 {
		t.Fatal("rejected casMulti wrote entries")
	}
}

func TestPutIfNotExistsTreatsExpiredAsAbsent(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)

	if err := f.kv.Put(ctx, "k", doc{A: 1}, PutOptions{TTL: time.Second}); err != nil {
		t.Fatal(err)
	}
	if err := f.kv.Put(ctx, "k", doc{A: 2}, PutOptions{IfNotExists: true}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("live entry: want ErrAlreadyExists, got %v", err)
	}
	f.clk.Add(time.Second)
	if err := f.kv.Put(ctx, "k", doc{A: 3}, PutOptions{IfNotExists: true}); err != nil {
		t.Fatalf("expired entry: %v", err)
	}
	if got := mustGet(t, f.kv, "k"); got.A != 3 {
		t.Fatalf("get = %+v", got)
	}
	if err := f.kv.CasIfEquals(ctx, "k", doc{A: 3}, doc{A: 4}, time.Second); err != nil {
		t.Fatal(err)
	}
	f.clk.Add(2 * time.Second)
	if err := f.kv.CasIfAbsent(ctx, "k", doc{A: 5}, 0); err != nil {
		t.Fatalf("cas absent over expired entry: %v", err)
	}
}

func TestTTLExpiryHidesEntry(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)
	kv := f.kv

	for _, k := range []string{"a", "c"} {
		if err := kv.Put(ctx, k, doc{A: 1}, PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := kv.Put(ctx, "b", doc{A: 1}, PutOptions{TTL: 10 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	f.clk.Add(10 * time.Millisecond)

	mustAbsent(t, kv, "b")
	if n, err := kv.Count(ctx); err != nil || n != 2 {
		t.Fatalf("count = %d err=%v, want 2", n, err)
	}
	keys, err := kv.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "c"}, keys); diff != "" {
		t.Fatalf("list (-want +got):\n%s", diff)
	}
	keys, err = kv.List(ctx, ListOptions{From: "a", Limit: 1})
	if err != nil || cmp.Diff([]string{"c"}, keys) != "" {
		t.Fatalf("list from a = %v err=%v", keys, err)
	}
	if f.mem.Len("test") != 3 {
		t.Fatal("lazy expiry removed the entry physically")
	}
}

func TestTTLEpochTakesPrecedence(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)

	at := f.clk.Now().Add(time.Second)
	if err := f.kv.Put(ctx, "k", doc{A: 1}, PutOptions{TTL: time.Hour, TTLEpoch: at}); err != nil {
		t.Fatal(err)
	}
	e, _, _ := f.kv.GetEntry(ctx, "k")
	if !e.ExpiresAt.Equal(at) {
		t.Fatalf("expiresAt = %v, want %v", e.ExpiresAt, at)
	}
	f.clk.Add(time.Second)
	mustAbsent(t, f.kv, "k")
}

func TestDeleteSemantics(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	if err := kv.Delete(ctx, "missing", DeleteOptions[doc]{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing: want ErrNotFound, got %v", err)
	}
	if err := kv.Delete(ctx, "missing", DeleteOptions[doc]{PrevValue: Some(doc{A: 1})}); !errors.Is(err, ErrConflict) {
		t.Fatalf("delete missing with prev: want ErrConflict, got %v", err)
	}
	if err := kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Delete(ctx, "k", DeleteOptions[doc]{PrevValue: Some(doc{A: 2})}); !errors.Is(err, ErrConflict) {
		t.Fatalf("delete with wrong prev: want ErrConflict, got %v", err)
	}
	if err := kv.Delete(ctx, "k", DeleteOptions[doc]{PrevValue: Some(doc{A: 1})}); err != nil {
		t.Fatalf("delete with prev: %v", err)
	}
	mustAbsent(t, kv, "k")

	if err := kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Delete(ctx, "k", DeleteOptions[doc]{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mustAbsent(t, kv, "k")
}

func TestPaginationCompleteness(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	const n = 23
	var want []string
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%02d", i)
		want = append(want, k)
		if err := kv.Put(ctx, k, doc{A: i}, PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	for limit := 1; limit <= n; limit++ {
		var got []string
		from := ""
		for {
			page, err := kv.List(ctx, ListOptions{From: from, Limit: limit})
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, page...)
			if len(page) < limit {
				break
			}
			from = page[len(page)-1]
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("limit %d (-want +got):\n%s", limit, diff)
		}
	}
}

func TestItems(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)
	kv := f.kv

	if err := kv.Put(ctx, "b", doc{A: 2}, PutOptions{TTL: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "a", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	items, err := kv.Items(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []Item[doc]{
		{Key: "a", Value: doc{A: 1}},
		{Key: "b", Value: doc{A: 2}, ExpiresAt: f.clk.Now().Add(time.Minute)},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("items (-want +got):\n%s", diff)
	}
}

func TestLimitsValidated(t *testing.T) {
	ctx := context.Background()
	kv := newDocKV(t).kv

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"list over max", func() error { _, err := kv.List(ctx, ListOptions{Limit: 1001}); return err }()},
		{"list negative", func() error { _, err := kv.List(ctx, ListOptions{Limit: -1}); return err }()},
		{"items over max", func() error { _, err := kv.Items(ctx, ListOptions{Limit: 101}); return err }()},
	} {
		var ve *ValidationError
		if !errors.As(tc.err, &ve) || ve.Field != "limit" {
			t.Fatalf("%s: want ValidationError on limit, got %v", tc.name, tc.err)
		}
	}
	if _, err := kv.List(ctx, ListOptions{Limit: 1000}); err != nil {
		t.Fatalf("list at max: %v", err)
	}
	if _, err := kv.Items(ctx, ListOptions{Limit: 100}); err != nil {
		t.Fatalf("items at max: %v", err)
	}
}

func TestKeyAndValueValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture[string](t, c.String{}, func(o *Options[string]) {
		o.MaxKeyLen = 8
		o.MaxValueSize = 4
	})
	kv := f.kv

	cases := map[string]error{
		"empty key":    kv.Put(ctx, "", "v", PutOptions{}),
		"long key":     kv.Put(ctx, strings.Repeat("k", 9), "v", PutOptions{}),
		"big value":    kv.Put(ctx, "k", "12345", PutOptions{}),
		"negative ttl": kv.Put(ctx, "k", "v", PutOptions{TTL: -time.Second}),
		"cas big":      kv.CasIfAbsent(ctx, "k", "12345", 0),
	}
	for name, err := range cases {
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", name, err)
		}
	}
	if _, _, err := kv.Get(ctx, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("get empty key: %v", err)
	}
	if f.mem.Len("test") != 0 {
		t.Fatal("rejected writes reached the backend")
	}
}

func TestClearAndCount(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)
	kv := f.kv

	for i := 0; i < 5; i++ {
		if err := kv.Put(ctx, fmt.Sprint(i), doc{A: i}, PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := kv.Put(ctx, "gone", doc{}, PutOptions{TTL: time.Second}); err != nil {
		t.Fatal(err)
	}
	f.clk.Add(time.Second)

	if n, err := kv.Count(ctx); err != nil || n != 5 {
		t.Fatalf("count = %d err=%v", n, err)
	}
	removed, err := kv.Clear(ctx)
	if err != nil || removed != 5 {
		t.Fatalf("clear = %d err=%v, want 5", removed, err)
	}
	if n, _ := kv.Count(ctx); n != 0 {
		t.Fatalf("count after clear = %d", n)
	}
	if f.mem.Len("test") != 0 {
		t.Fatal("clear left expired entries behind")
	}
	// namespace stays usable
	if err := kv.Put(ctx, "again", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.Config{})
	open := func(ns string) KV[doc] {
		kv, err := New[doc](Options[doc]{Namespace: ns, Backend: mem, Codec: c.JSON[doc]{}, SweepInterval: -1})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = kv.Close(ctx) })
		return kv
	}
	a, b := open("guild:1"), open("guild:2")
	if err := a.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	mustAbsent(t, b, "k")
	if _, err := b.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, a, "k"); got.A != 1 {
		t.Fatalf("clear leaked across namespaces: %+v", got)
	}
	if a.Namespace() != "guild:1" {
		t.Fatalf("Namespace() = %q", a.Namespace())
	}
}

func TestBytesCompareExact(t *testing.T) {
	ctx := context.Background()
	kv := newFixture[[]byte](t, c.Bytes{}, nil).kv

	if err := kv.Put(ctx, "k", []byte{1, 2, 3}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.CasIfEquals(ctx, "k", []byte{1, 2}, []byte{9}, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("prefix compare: %v", err)
	}
	if err := kv.CasIfEquals(ctx, "k", []byte{1, 2, 3}, []byte{9}, 0); err != nil {
		t.Fatalf("exact compare: %v", err)
	}
}

func TestJSONStructuralCompare(t *testing.T) {
	ctx := context.Background()
	kv := newFixture[any](t, c.JSON[any]{}, nil).kv

	stored := map[string]any{"a": 1, "tags": []any{"x", "y"}}
	if err := kv.Put(ctx, "k", stored, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	// ints in the compare value match the float64s the codec decodes
	compare := map[string]any{"tags": []any{"x", "y"}, "a": 1}
	if err := kv.CasIfEquals(ctx, "k", compare, "next", 0); err != nil {
		t.Fatalf("structural compare: %v", err)
	}
	if got := mustGet(t, kv, "k"); got != "next" {
		t.Fatalf("get = %v", got)
	}
}

func TestCustomEqual(t *testing.T) {
	ctx := context.Background()
	kv := newFixture[string](t, c.String{}, func(o *Options[string]) {
		o.Equal = strings.EqualFold
	}).kv
	if err := kv.Put(ctx, "k", "Hello", PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := kv.CasIfEquals(ctx, "k", "HELLO", "bye", 0); err != nil {
		t.Fatalf("custom equal: %v", err)
	}
}

// faultBackend fails every call with err.
type faultBackend struct {
	backend.Backend
	err error
}

func (f faultBackend) Get(context.Context, string, string) (backend.Entry, bool, error) {
	return backend.Entry{}, false, f.err
}

func (f faultBackend) GetMany(context.Context, string, []string) (map[string]backend.Entry, error) {
	return nil, f.err
}

func (f faultBackend) Commit(context.Context, string, []backend.Write) (uint64, error) {
	return 0, f.err
}

func (f faultBackend) Scan(context.Context, string, string, func(backend.Entry) bool) error {
	return f.err
}

func TestStorageFaultsAreTyped(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")
	f := newFixture[doc](t, c.JSON[doc]{}, func(o *Options[doc]) {
		o.Backend = faultBackend{Backend: memory.New(memory.Config{}), err: boom}
	})
	kv := f.kv

	checks := map[string]error{
		"get":      func() error { _, _, err := kv.Get(ctx, "k"); return err }(),
		"put":      kv.Put(ctx, "k", doc{}, PutOptions{}),
		"cas":      kv.CasIfAbsent(ctx, "k", doc{}, 0),
		"list":     func() error { _, err := kv.List(ctx, ListOptions{}); return err }(),
		"transact": func() error { _, err := kv.Transact(ctx, "k", func(p Maybe[doc]) (Maybe[doc], error) { return p, nil }); return err }(),
	}
	for name, err := range checks {
		var se *StorageError
		if !errors.As(err, &se) || !errors.Is(err, ErrStorage) || !errors.Is(err, boom) {
			t.Fatalf("%s: want StorageError wrapping cause, got %v", name, err)
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation) {
			t.Fatalf("%s: storage error matches another sentinel", name)
		}
	}
	if len(f.hooks.faults) != len(checks) {
		t.Fatalf("StorageFault hook fired %d times, want %d", len(f.hooks.faults), len(checks))
	}
}

func TestContextErrorsPassThrough(t *testing.T) {
	f := newFixture[doc](t, c.JSON[doc]{}, func(o *Options[doc]) {
		o.Backend = faultBackend{Backend: memory.New(memory.Config{}), err: context.Canceled}
	})
	err := f.kv.Put(context.Background(), "k", doc{}, PutOptions{})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrStorage) {
		t.Fatalf("want bare context.Canceled, got %v", err)
	}
}

func TestCorruptValueIsStorageError(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)
	if _, err := f.mem.Commit(ctx, "test", []backend.Write{{Key: "k", Expect: 0, Value: []byte("{not json")}}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.kv.Get(ctx, "k"); !errors.Is(err, ErrStorage) {
		t.Fatalf("get corrupt: %v", err)
	}
	if err := f.kv.CasIfEquals(ctx, "k", doc{}, doc{A: 1}, 0); !errors.Is(err, ErrStorage) {
		t.Fatalf("cas over corrupt value: %v", err)
	}
}

func TestConflictHookFires(t *testing.T) {
	ctx := context.Background()
	f := newDocKV(t)
	if err := f.kv.Put(ctx, "k", doc{A: 1}, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	_ = f.kv.CasIfEquals(ctx, "k", doc{A: 2}, doc{A: 3}, 0)
	_ = f.kv.CasIfAbsent(ctx, "k", doc{A: 3}, 0)
	if diff := cmp.Diff([]string{"k", "k"}, f.hooks.conflicts); diff != "" {
		t.Fatalf("conflict hooks (-want +got):\n%s", diff)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	mem := memory.New(memory.Config{})
	for name, opts := range map[string]Options[doc]{
		"no backend":   {Namespace: "ns", Codec: c.JSON[doc]{}},
		"no codec":     {Namespace: "ns", Backend: mem},
		"no namespace": {Backend: mem, Codec: c.JSON[doc]{}},
	} {
		if _, err := New[doc](opts); err == nil {
			t.Fatalf("%s: New accepted invalid options", name)
		}
	}
}

func TestCloseBackendOption(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.Config{})
	kv, err := New[doc](Options[doc]{Namespace: "ns", Backend: mem, Codec: c.JSON[doc]{}, CloseBackend: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := mem.Get(ctx, "ns", "k"); !errors.Is(err, backend.ErrClosed) {
		t.Fatalf("backend still open: %v", err)
	}
}

type closeCounter struct {
	backend.Backend
	mu     sync.Mutex
	closes int
}

func (b *closeCounter) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closes++
	n := b.closes
	b.mu.Unlock()
	if n > 1 {
		return errors.New("closed twice")
	}
	return b.Backend.Close(ctx)
}

func TestCloseClosesBackendOnce(t *testing.T) {
	ctx := context.Background()
	be := &closeCounter{Backend: memory.New(memory.Config{})}
	kv, err := New[doc](Options[doc]{Namespace: "ns", Backend: be, Codec: c.JSON[doc]{}, CloseBackend: true})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := kv.Close(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if err := kv.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if be.closes != 1 {
		t.Fatalf("backend closed %d times, want 1", be.closes)
	}
}
