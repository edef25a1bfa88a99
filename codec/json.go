package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSON stores values as encoding/json documents. Decode rejects trailing data
// after the first document.
//
// With V = any, numbers decode as float64 unless UseNumber is set, in which
// case they decode as json.Number.
type JSON[V any] struct {
	UseNumber bool
}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (c JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	if c.UseNumber {
		dec.UseNumber()
	}
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	// anything but a clean EOF after the first value is trailing data,
	// including a stray ']' or '}' that More would skip over
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		var zero V
		return zero, errors.New("codec: trailing data after JSON value")
	}
	return v, nil
}
