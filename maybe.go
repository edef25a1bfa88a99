package caskv

// Maybe is an optional value. In a compare position None means "key must be
// absent"; in a set position None means "delete the key".
type Maybe[V any] struct {
	Value V
	OK    bool
}

func Some[V any](v V) Maybe[V] { return Maybe[V]{Value: v, OK: true} }
func None[V any]() Maybe[V]    { return Maybe[V]{} }

// Get returns the value and whether it is present.
func (m Maybe[V]) Get() (V, bool) { return m.Value, m.OK }

// Or returns the value, or def when absent.
func (m Maybe[V]) Or(def V) V {
	if m.OK {
		return m.Value
	}
	return def
}
