// Package backend defines the raw entry store used by caskv.
//
// A Backend stores versioned byte values per (namespace, key) and applies
// conditional writes atomically. It knows nothing about codecs or expiry
// semantics: expired entries are returned like any other entry and filtering
// happens in caskv. Backends are the only place where versions are assigned.
//
// Versions are per-namespace revisions. Every successful Commit takes the next
// revision of its namespace and stamps it on every key it writes, so versions
// of one key are strictly increasing and never reused, even after a delete.
// A Commit that fails must not consume a revision. Version 0 is never assigned
// and stands for "no stored entry".
package backend

import (
	"context"
	"math"
	"time"
)

// AnyVersion as Write.Expect makes the write unconditional.
const AnyVersion uint64 = math.MaxUint64

// Entry is a raw stored entry.
type Entry struct {
	Key       string
	Value     []byte
	Version   uint64
	ExpiresAt time.Time // zero => no expiry
}

// Expired reports whether e is past its expiry instant at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Write is one conditional mutation inside a Commit.
//
// Expect is the version the key must currently hold: 0 means the key must not
// be stored, AnyVersion skips the check. A Guard write only checks Expect and
// leaves the key untouched.
type Write struct {
	Key       string
	Expect    uint64
	Guard     bool
	Delete    bool
	Value     []byte
	ExpiresAt time.Time
}

// Mutates reports whether any write in ws changes data. A commit made only of
// guards must not take a new revision.
func Mutates(ws []Write) bool {
	for _, w := range ws {
		if !w.Guard {
			return true
		}
	}
	return false
}

// Backend must be safe for concurrent use.
type Backend interface {
	// Get returns the stored entry, expired or not. Missing => (Entry{}, false, nil).
	Get(ctx context.Context, ns, key string) (Entry, bool, error)

	// GetMany returns a consistent snapshot of the requested keys. Missing keys
	// are absent from the map.
	GetMany(ctx context.Context, ns string, keys []string) (map[string]Entry, error)

	// Commit applies all writes or none. A failed precondition returns a
	// *MismatchError. The returned revision is the version stamped on every
	// written key.
	Commit(ctx context.Context, ns string, writes []Write) (rev uint64, err error)

	// Scan calls fn for entries with key > after in ascending byte order until
	// fn returns false. fn must not call back into the backend.
	Scan(ctx context.Context, ns, after string, fn func(Entry) bool) error

	// Close releases resources.
	Close(ctx context.Context) error
}
