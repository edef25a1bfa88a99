package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is matched by every *MismatchError.
	ErrVersionMismatch = errors.New("backend: version mismatch")
	// ErrDuplicateKey is returned when one Commit names a key twice.
	ErrDuplicateKey = errors.New("backend: duplicate key in commit")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("backend: closed")
)

// MismatchError reports the first write whose version precondition failed.
type MismatchError struct {
	Key      string
	Expected uint64
	Actual   uint64 // 0 => not stored
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("backend: version mismatch on %q: expected %d, have %d", e.Key, e.Expected, e.Actual)
}

func (e *MismatchError) Is(target error) bool { return target == ErrVersionMismatch }

// Check validates w against the stored version (0 => not stored).
func Check(w Write, stored uint64) error {
	if w.Expect == AnyVersion || w.Expect == stored {
		return nil
	}
	return &MismatchError{Key: w.Key, Expected: w.Expect, Actual: stored}
}

// CheckUnique rejects commits that name a key more than once.
func CheckUnique(writes []Write) error {
	if len(writes) < 2 {
		return nil
	}
	seen := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		if _, dup := seen[w.Key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, w.Key)
		}
		seen[w.Key] = struct{}{}
	}
	return nil
}
