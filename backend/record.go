package backend

import (
	"time"

	"github.com/unkn0wn-root/caskv/internal/wire"
)

// EncodeRecord frames an entry for byte-oriented backends.
func EncodeRecord(version uint64, value []byte, expiresAt time.Time) []byte {
	return wire.EncodeRecord(wire.Record{Version: version, ExpiresAt: expiresAt, Payload: value})
}

// DecodeRecord is the inverse of EncodeRecord. The value is copied so the
// entry may outlive b.
func DecodeRecord(key string, b []byte) (Entry, error) {
	r, err := wire.DecodeRecord(b)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:       key,
		Version:   r.Version,
		Value:     append([]byte(nil), r.Payload...),
		ExpiresAt: r.ExpiresAt,
	}, nil
}
