// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// Optional holds either a value (Some) or nothing (None).
//
// The zero value is None.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some returns an Optional holding value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{value: value, ok: true}
}

// None returns an empty Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value held and whether there is one.
func (o Optional[T]) Get() (value T, ok bool) {
	return o.value, o.ok
}

// IsSome returns whether the Optional holds a value.
func (o Optional[T]) IsSome() bool { return o.ok }

// OrElse returns the value held, or defaultValue if the Optional is None.
func (o Optional[T]) OrElse(defaultValue T) T {
	if o.ok {
		return o.value
	}
	return defaultValue
}

// OrElseFn is like OrElse, but only calls defaultFn if the Optional is None.
func (o Optional[T]) OrElseFn(defaultFn func() T) T {
	if o.ok {
		return o.value
	}
	return defaultFn()
}

// String implements fmt.Stringer.
func (o Optional[T]) String() string {
	if !o.ok {
		return "None"
	}
	return fmt.Sprintf("Some(%v)", o.value)
}
