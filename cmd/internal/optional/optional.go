// Package optional expresses command line settings that may be unset.
package optional

// Value is an optional value.
type Value[T comparable] struct {
	ok  bool
	val T
}

// None creates an empty optional value.
func None[T comparable]() Value[T] {
	return Value[T]{}
}

// Some creates a non-empty optional value.
func Some[T comparable](val T) Value[T] {
	return Value[T]{ok: true, val: val}
}

// FromFlag returns an empty value when val is the zero value, which is
// what flag returns for settings the user did not provide.
func FromFlag[T comparable](val T) Value[T] {
	if val == *new(T) {
		return None[T]()
	}
	return Some(val)
}

// Empty returns whether the [Value] is empty.
func (v Value[T]) Empty() bool {
	return !v.ok
}

// Get returns the underlying value and whether it is set.
func (v Value[T]) Get() (T, bool) {
	return v.val, v.ok
}
