// Package codec turns caskv values into the bytes a backend stores.
//
// Stored payloads outlive the process that wrote them, so a codec must decode
// what any earlier version of the same codec encoded. CAS compares decoded
// values, so Decode(Encode(v)) should be equal to v under the KV's Equal.
package codec

import "errors"

// ErrTooLarge is returned by LimitCodec when a payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
