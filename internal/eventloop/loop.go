// Package eventloop provides the single-threaded coordination context that
// owns the room-status and day-window state machines. Every state transition
// and timer callback runs on the loop goroutine; blocking I/O runs elsewhere
// and posts its result back.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"confsync/internal/clock"
)

// Loop runs posted functions one at a time, in post order.
type Loop struct {
	clock clock.Clock

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// New creates a loop. Run (or Start) must be called before posted work executes.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.Real()
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Clock returns the clock used for ScheduleAt.
func (l *Loop) Clock() clock.Clock { return l.clock }

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Start runs the loop in a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run processes posted work until ctx is cancelled. Work still queued at
// that point is dropped.
func (l *Loop) Run(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		panic("eventloop: Run called twice")
	}
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				break
			}
			fn()
		}

		if ctx.Err() != nil {
			l.mu.Lock()
			l.closed = true
			l.queue = nil
			l.mu.Unlock()
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn. It never blocks and is safe to call from any goroutine,
// including the loop itself. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// Handle is a pending ScheduleAt callback.
type Handle struct {
	at        time.Time
	timer     clock.Timer
	cancelled atomic.Bool
}

// At returns the instant the callback was scheduled for.
func (h *Handle) At() time.Time {
	if h == nil {
		return time.Time{}
	}
	return h.at
}

// Cancel prevents the callback from running. Safe on a nil handle and safe
// to call more than once.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
	if h.timer != nil {
		h.timer.Stop()
	}
}

// ScheduleAt runs fn on the loop at (or after) instant at. An instant in the
// past schedules fn as soon as possible. Call from the loop goroutine.
func (l *Loop) ScheduleAt(at time.Time, fn func()) *Handle {
	h := &Handle{at: at}
	run := func() {
		if h.cancelled.Load() {
			return
		}
		fn()
	}
	h.timer = l.clock.AfterFunc(at.Sub(l.clock.Now()), func() {
		l.Post(run)
	})
	return h
}
