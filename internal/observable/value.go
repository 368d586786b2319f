// Package observable holds the values the sync subsystem publishes to its
// readers: sync progress, sync outcome, and room status.
package observable

import (
	"sync"
)

// Value holds the latest value of T and fans it out to subscribers.
//
// Subscribers receive on a channel of capacity 1 that always holds the most
// recent unread value: a slow reader skips intermediate values but never
// misses the last one. The number of subscribers is reference counted and an
// optional activation callback fires when it crosses zero.
type Value[T any] struct {
	// actMu serializes subscribe/unsubscribe so activation callbacks fire
	// in the order the count changed.
	actMu sync.Mutex

	mu       sync.Mutex
	value    T
	subs     map[*subscription[T]]struct{}
	onActive func(active bool)
}

type subscription[T any] struct {
	ch chan T
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		value: initial,
		subs:  make(map[*subscription[T]]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the current value and publishes it to every subscriber.
func (v *Value[T]) Set(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = x
	for sub := range v.subs {
		offer(sub.ch, x)
	}
}

// offer performs a conflating send. Only publishers send, and they hold mu,
// so after dropping the stale value the second send cannot fail.
func offer[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- x:
	default:
	}
}

// OnActiveChange registers fn to be called with true when the first
// subscriber arrives and false when the last one leaves. fn runs on the
// subscribing goroutine and must not block or subscribe to v.
func (v *Value[T]) OnActiveChange(fn func(active bool)) {
	v.actMu.Lock()
	defer v.actMu.Unlock()
	v.mu.Lock()
	v.onActive = fn
	v.mu.Unlock()
}

// Subscribe returns a channel primed with the current value and a cancel
// function that closes it. Cancel is idempotent.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.actMu.Lock()
	defer v.actMu.Unlock()

	sub := &subscription[T]{ch: make(chan T, 1)}
	v.mu.Lock()
	sub.ch <- v.value
	v.subs[sub] = struct{}{}
	first := len(v.subs) == 1
	cb := v.onActive
	v.mu.Unlock()

	if first && cb != nil {
		cb(true)
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { v.unsubscribe(sub) })
	}
}

func (v *Value[T]) unsubscribe(sub *subscription[T]) {
	v.actMu.Lock()
	defer v.actMu.Unlock()

	v.mu.Lock()
	if _, ok := v.subs[sub]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.subs, sub)
	close(sub.ch)
	last := len(v.subs) == 0
	cb := v.onActive
	v.mu.Unlock()

	if last && cb != nil {
		cb(false)
	}
}

// Observers returns the number of live subscriptions.
func (v *Value[T]) Observers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
