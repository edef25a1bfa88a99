// Package sloghooks reports caskv hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/caskv"
)

type Options struct {
	// Sampling for high-volume events; 0/1 = log all.
	ConflictEvery uint64
	RetryEvery    uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	conflictCtr atomic.Uint64
	retryCtr    atomic.Uint64
}

var _ caskv.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n <= 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Conflict(ns, key string) {
	if h.l == nil || !sample(h.opts.ConflictEvery, &h.conflictCtr) {
		return
	}
	h.l.Debug("caskv.conflict", "ns", ns, "key", h.redact(key))
}

func (h *Hooks) TransactRetry(ns string, keys, attempt int) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Debug("caskv.transact_retry", "ns", ns, "keys", keys, "attempt", attempt)
}

func (h *Hooks) RetriesExhausted(ns string, keys int) {
	if h.l == nil {
		return
	}
	h.l.Warn("caskv.retries_exhausted", "ns", ns, "keys", keys)
}

func (h *Hooks) Reaped(ns string, removed int) {
	if h.l == nil {
		return
	}
	h.l.Info("caskv.reaped", "ns", ns, "removed", removed)
}

func (h *Hooks) StorageFault(ns, op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("caskv.storage_fault", "ns", ns, "op", op, "err", err)
}
