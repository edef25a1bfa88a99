// Package backendtest is the conformance suite every backend.Backend
// implementation runs from its own tests:
//
//	func TestConformance(t *testing.T) {
//		backendtest.Run(t, func(t *testing.T) backend.Backend { return memory.New(memory.Config{}) })
//	}
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/caskv/backend"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// Run exercises b's contract. Every subtest gets its own backend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"GetMissing", testGetMissing},
		{"CommitStampsRevision", testCommitStampsRevision},
		{"VersionsNeverReused", testVersionsNeverReused},
		{"ExpiryRoundTrip", testExpiryRoundTrip},
		{"ExpiryEdgeInstants", testExpiryEdgeInstants},
		{"MismatchWritesNothing", testMismatchWritesNothing},
		{"GuardChecksWithoutWriting", testGuard},
		{"AnyVersion", testAnyVersion},
		{"DuplicateKeyRejected", testDuplicateKey},
		{"GetManySnapshot", testGetMany},
		{"ScanOrderAndCursor", testScan},
		{"NamespacesIsolated", testNamespaces},
		{"ReturnedValuesArePrivate", testPrivateValues},
		{"ConcurrentIncrements", testConcurrentIncrements},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close(context.Background()) })
			tt.fn(t, b)
		})
	}
}

const ns = "conformance"

func put(key, value string) backend.Write {
	return backend.Write{Key: key, Expect: backend.AnyVersion, Value: []byte(value)}
}

func mustCommit(t *testing.T, b backend.Backend, writes ...backend.Write) uint64 {
	t.Helper()
	rev, err := b.Commit(context.Background(), ns, writes)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return rev
}

func mustGet(t *testing.T, b backend.Backend, key string) backend.Entry {
	t.Helper()
	e, ok, err := b.Get(context.Background(), ns, key)
	if err != nil || !ok {
		t.Fatalf("get %q: ok=%v err=%v", key, ok, err)
	}
	return e
}

func testGetMissing(t *testing.T, b backend.Backend) {
	_, ok, err := b.Get(context.Background(), ns, "nope")
	if err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
}

func testCommitStampsRevision(t *testing.T, b backend.Backend) {
	rev := mustCommit(t, b, put("a", "1"), put("b", "2"))
	if rev == 0 {
		t.Fatal("revision 0 assigned")
	}
	a, bb := mustGet(t, b, "a"), mustGet(t, b, "b")
	if a.Version != rev || bb.Version != rev {
		t.Fatalf("versions a=%d b=%d, want both %d", a.Version, bb.Version, rev)
	}
	if string(a.Value) != "1" || a.Key != "a" {
		t.Fatalf("got %+v", a)
	}
}

func testVersionsNeverReused(t *testing.T, b backend.Backend) {
	v1 := mustCommit(t, b, put("k", "x"))
	v2 := mustCommit(t, b, backend.Write{Key: "k", Expect: v1, Value: []byte("y")})
	if v2 <= v1 {
		t.Fatalf("v2=%d not after v1=%d", v2, v1)
	}
	mustCommit(t, b, backend.Write{Key: "k", Expect: v2, Delete: true})
	v3 := mustCommit(t, b, backend.Write{Key: "k", Expect: 0, Value: []byte("z")})
	if v3 <= v2 {
		t.Fatalf("re-created key got version %d, not after %d", v3, v2)
	}
}

func testExpiryRoundTrip(t *testing.T, b backend.Backend) {
	exp := time.Unix(1_900_000_000, 123456789)
	mustCommit(t, b, backend.Write{Key: "t", Expect: backend.AnyVersion, Value: []byte("v"), ExpiresAt: exp})
	mustCommit(t, b, put("forever", "v"))

	if got := mustGet(t, b, "t").ExpiresAt; !got.Equal(exp) {
		t.Fatalf("expiresAt = %v, want %v", got, exp)
	}
	if got := mustGet(t, b, "forever").ExpiresAt; !got.IsZero() {
		t.Fatalf("expiresAt = %v, want zero", got)
	}
}

// Instants at the unix epoch and outside the int64 nanosecond range must keep
// both their value and their presence.
func testExpiryEdgeInstants(t *testing.T, b backend.Backend) {
	cases := map[string]time.Time{
		"epoch":  time.Unix(0, 0),
		"y3000":  time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		"y1600":  time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
		"before": time.Unix(-1, 500),
	}
	for key, exp := range cases {
		mustCommit(t, b, backend.Write{Key: key, Expect: backend.AnyVersion, Value: []byte("v"), ExpiresAt: exp})
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for key, exp := range cases {
		got := mustGet(t, b, key)
		if got.ExpiresAt.IsZero() || !got.ExpiresAt.Equal(exp) {
			t.Fatalf("%s: expiresAt = %v, want %v", key, got.ExpiresAt, exp)
		}
		if want := !exp.After(now); got.Expired(now) != want {
			t.Fatalf("%s: Expired(%v) = %v, want %v", key, now, got.Expired(now), want)
		}
	}
}

func testMismatchWritesNothing(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	v := mustCommit(t, b, put("held", "1"))

	_, err := b.Commit(ctx, ns, []backend.Write{
		{Key: "fresh", Expect: 0, Value: []byte("new")},
		{Key: "held", Expect: 0, Value: []byte("clobber")},
	})
	var me *backend.MismatchError
	if !errors.As(err, &me) || !errors.Is(err, backend.ErrVersionMismatch) {
		t.Fatalf("want *MismatchError, got %v", err)
	}
	if me.Key != "held" || me.Actual != v {
		t.Fatalf("mismatch = %+v", me)
	}
	if _, ok, _ := b.Get(ctx, ns, "fresh"); ok {
		t.Fatal("partial commit: fresh was written")
	}
	if got := mustGet(t, b, "held"); string(got.Value) != "1" || got.Version != v {
		t.Fatalf("held changed: %+v", got)
	}

	// the failed commit did not consume a revision
	next := mustCommit(t, b, put("other", "x"))
	if next != v+1 {
		t.Fatalf("revision after failed commit = %d, want %d", next, v+1)
	}
}

func testGuard(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	v := mustCommit(t, b, put("a", "1"))

	rev, err := b.Commit(ctx, ns, []backend.Write{{Key: "absent", Expect: 0, Guard: true}})
	if err != nil {
		t.Fatalf("guard on absent key: %v", err)
	}
	if rev != v {
		t.Fatalf("guard-only commit moved revision to %d", rev)
	}
	if _, ok, _ := b.Get(ctx, ns, "absent"); ok {
		t.Fatal("guard created a key")
	}

	_, err = b.Commit(ctx, ns, []backend.Write{
		{Key: "a", Expect: 0, Guard: true},
		put("b", "2"),
	})
	if !errors.Is(err, backend.ErrVersionMismatch) {
		t.Fatalf("guard on present key: want mismatch, got %v", err)
	}
	if _, ok, _ := b.Get(ctx, ns, "b"); ok {
		t.Fatal("write went through despite failed guard")
	}

	rev = mustCommit(t, b, backend.Write{Key: "a", Expect: v, Guard: true}, put("b", "2"))
	if got := mustGet(t, b, "a"); got.Version != v {
		t.Fatalf("guarded key restamped: %d", got.Version)
	}
	if got := mustGet(t, b, "b"); got.Version != rev {
		t.Fatalf("b version %d, want %d", got.Version, rev)
	}
}

func testAnyVersion(t *testing.T, b backend.Backend) {
	mustCommit(t, b, put("k", "1"))
	mustCommit(t, b, put("k", "2"))
	if got := mustGet(t, b, "k"); string(got.Value) != "2" {
		t.Fatalf("value = %q", got.Value)
	}
}

func testDuplicateKey(t *testing.T, b backend.Backend) {
	_, err := b.Commit(context.Background(), ns, []backend.Write{put("d", "1"), put("d", "2")})
	if !errors.Is(err, backend.ErrDuplicateKey) {
		t.Fatalf("want ErrDuplicateKey, got %v", err)
	}
}

func testGetMany(t *testing.T, b backend.Backend) {
	rev := mustCommit(t, b, put("a", "1"), put("c", "3"))
	got, err := b.GetMany(context.Background(), ns, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]backend.Entry{
		"a": {Key: "a", Value: []byte("1"), Version: rev},
		"c": {Key: "c", Value: []byte("3"), Version: rev},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("GetMany mismatch (-want +got):\n%s", diff)
	}
}

func testScan(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	for _, k := range []string{"b", "a", "d", "c", "aa"} {
		mustCommit(t, b, put(k, k))
	}
	collect := func(after string, limit int) []string {
		var out []string
		err := b.Scan(ctx, ns, after, func(e backend.Entry) bool {
			if string(e.Value) != e.Key {
				t.Fatalf("scan entry %q has value %q", e.Key, e.Value)
			}
			out = append(out, e.Key)
			return len(out) < limit
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	if diff := cmp.Diff([]string{"a", "aa", "b", "c", "d"}, collect("", 100)); diff != "" {
		t.Fatalf("full scan (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "c"}, collect("aa", 2)); diff != "" {
		t.Fatalf("cursor scan (-want +got):\n%s", diff)
	}
	if got := collect("d", 100); len(got) != 0 {
		t.Fatalf("scan past end = %v", got)
	}
	if got := collect("bb", 100); cmp.Diff([]string{"c", "d"}, got) != "" {
		t.Fatalf("scan from absent cursor = %v", got)
	}
}

func testNamespaces(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	if _, err := b.Commit(ctx, "one", []backend.Write{put("k", "1")}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Get(ctx, "two", "k"); ok {
		t.Fatal("key leaked across namespaces")
	}
	n := 0
	if err := b.Scan(ctx, "two", "", func(backend.Entry) bool { n++; return true }); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("scan of empty namespace saw %d entries", n)
	}
}

func testPrivateValues(t *testing.T, b backend.Backend) {
	in := []byte("abc")
	mustCommit(t, b, backend.Write{Key: "p", Expect: backend.AnyVersion, Value: in})
	in[0] = 'X'
	e := mustGet(t, b, "p")
	if string(e.Value) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", e.Value)
	}
	e.Value[0] = 'Y'
	if got := mustGet(t, b, "p"); string(got.Value) != "abc" {
		t.Fatalf("returned value aliased storage: %q", got.Value)
	}
}

// testConcurrentIncrements runs optimistic read-modify-write loops against one
// key; every increment must land exactly once.
func testConcurrentIncrements(t *testing.T, b backend.Backend) {
	const workers, each = 8, 10
	ctx := context.Background()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < each; i++ {
				for {
					e, _, err := b.Get(ctx, ns, "ctr")
					if err != nil {
						return err
					}
					var n int
					if len(e.Value) > 0 {
						fmt.Sscanf(string(e.Value), "%d", &n)
					}
					_, err = b.Commit(ctx, ns, []backend.Write{{
						Key: "ctr", Expect: e.Version, Value: []byte(fmt.Sprint(n + 1)),
					}})
					if err == nil {
						break
					}
					if !errors.Is(err, backend.ErrVersionMismatch) {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, b, "ctr"); string(got.Value) != fmt.Sprint(workers*each) {
		t.Fatalf("counter = %s, want %d", got.Value, workers*each)
	}
}
