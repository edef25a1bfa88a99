// Package bolt is a durable single-file caskv backend on bbolt.
//
// Layout: one root bucket (Config.Bucket, default "caskv") holding one nested
// bucket per namespace. Values are wire records (version, expiry, payload).
// The namespace bucket sequence is the namespace revision, so a rolled back
// commit never consumes a version.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/caskv/backend"
)

const defaultRoot = "caskv"

type Config struct {
	Path        string
	Bucket      string        // root bucket; "" => "caskv"
	OpenTimeout time.Duration // file lock wait; 0 => 1s
	NoSync      bool          // skip fsync per commit (tests, bulk loads)
	Logger      *zap.Logger   // nil => zap.NewNop()
}

// Backend is a backend.Backend backed by a bbolt file.
type Backend struct {
	path string
	root []byte
	db   *bolt.DB
	log  *zap.Logger
}

var _ backend.Backend = (*Backend)(nil)

// Open creates the bolt file if it does not exist and opens it otherwise.
func Open(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("bolt backend: path is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	root := cfg.Bucket
	if root == "" {
		root = defaultRoot
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("unable to create directory %s: %v", cfg.Path, err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("unable to open boltdb file %v", err)
	}
	db.NoSync = cfg.NoSync

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(root))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create root bucket %q: %w", root, err)
	}

	log.Info("Resources opened", zap.String("path", cfg.Path))
	return &Backend{path: cfg.Path, root: []byte(root), db: db, log: log}, nil
}

// nsBucket returns the namespace bucket or nil if it was never written.
func (b *Backend) nsBucket(tx *bolt.Tx, ns string) *bolt.Bucket {
	r := tx.Bucket(b.root)
	if r == nil {
		return nil
	}
	return r.Bucket([]byte(ns))
}

func (b *Backend) Get(ctx context.Context, ns, key string) (backend.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return backend.Entry{}, false, err
	}
	var (
		e  backend.Entry
		ok bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := b.nsBucket(tx, ns)
		if bkt == nil {
			return nil
		}
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var err error
		e, err = backend.DecodeRecord(key, raw)
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		ok = true
		return nil
	})
	return e, ok, err
}

func (b *Backend) GetMany(ctx context.Context, ns string, keys []string) (map[string]backend.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]backend.Entry, len(keys))
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := b.nsBucket(tx, ns)
		if bkt == nil {
			return nil
		}
		for _, k := range keys {
			raw := bkt.Get([]byte(k))
			if raw == nil {
				continue
			}
			e, err := backend.DecodeRecord(k, raw)
			if err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out[k] = e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Commit(ctx context.Context, ns string, writes []backend.Write) (uint64, error) {
	if len(writes) == 0 {
		return 0, nil
	}
	if err := backend.CheckUnique(writes); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var rev uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(b.root).CreateBucketIfNotExists([]byte(ns))
		if err != nil {
			return err
		}
		for _, w := range writes {
			var stored uint64
			if raw := bkt.Get([]byte(w.Key)); raw != nil {
				e, err := backend.DecodeRecord(w.Key, raw)
				if err != nil {
					return fmt.Errorf("decode %q: %w", w.Key, err)
				}
				stored = e.Version
			}
			if err := backend.Check(w, stored); err != nil {
				return err
			}
		}

		if !backend.Mutates(writes) {
			rev = bkt.Sequence()
			return nil
		}
		rev, err = bkt.NextSequence()
		if err != nil {
			return err
		}
		for _, w := range writes {
			if w.Guard {
				continue
			}
			if w.Delete {
				if err := bkt.Delete([]byte(w.Key)); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put([]byte(w.Key), backend.EncodeRecord(rev, w.Value, w.ExpiresAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (b *Backend) Scan(ctx context.Context, ns, after string, fn func(backend.Entry) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := b.nsBucket(tx, ns)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		from := []byte(after)
		k, v := c.Seek(from)
		if k != nil && bytes.Equal(k, from) {
			k, v = c.Next()
		}
		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, err := backend.DecodeRecord(string(k), v)
			if err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			if !fn(e) {
				return nil
			}
		}
		return nil
	})
}

// Path returns the bolt file location.
func (b *Backend) Path() string { return b.path }

// Close the connection to the bolt database.
func (b *Backend) Close(_ context.Context) error {
	if b.db != nil {
		err := b.db.Close()
		b.log.Info("Resources closed", zap.String("path", b.path))
		return err
	}
	return nil
}
