package observable

import "sync/atomic"

// Consumable wraps a value that must be acted upon at most once, such as a
// "sync finished" notification. Re-reading the published Consumable after a
// reconnect or restart of a reader does not repeat the side effect.
type Consumable[T any] struct {
	value    T
	consumed atomic.Bool
}

// NewConsumable wraps v.
func NewConsumable[T any](v T) *Consumable[T] {
	return &Consumable[T]{value: v}
}

// Consume returns the value and true the first time it is called, and the
// zero value and false afterwards. A nil Consumable is always empty.
func (c *Consumable[T]) Consume() (T, bool) {
	if c == nil || !c.consumed.CompareAndSwap(false, true) {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Consumed reports whether Consume has already handed out the value.
func (c *Consumable[T]) Consumed() bool {
	return c == nil || c.consumed.Load()
}

// Peek returns the value without consuming it.
func (c *Consumable[T]) Peek() T {
	if c == nil {
		var zero T
		return zero
	}
	return c.value
}
