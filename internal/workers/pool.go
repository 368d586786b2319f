// Package workers runs blocking I/O (network fetches, stream parsing, storage
// writes) off the coordination loop.
package workers

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the number of concurrent jobs a Pool runs when no limit is
// configured.
const DefaultLimit = 4

// Executor runs fn asynchronously. Implementations must not block the caller
// for the duration of fn.
type Executor interface {
	Go(fn func())
}

// Pool is a bounded Executor. Go never blocks: jobs beyond the limit wait in
// their own goroutine for a free slot.
type Pool struct {
	g   errgroup.Group
	sem *semaphore.Weighted
}

// NewPool creates a Pool running at most limit jobs at once.
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

func (p *Pool) Go(fn func()) {
	p.g.Go(func() error {
		// Background context: a queued job always runs, so completion
		// callbacks posted by fn are never lost.
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return err
		}
		defer p.sem.Release(1)
		fn()
		return nil
	})
}

// Wait blocks until every job handed to Go has returned.
func (p *Pool) Wait() error {
	return p.g.Wait()
}

// Inline runs jobs synchronously on the calling goroutine. It is used by
// one-shot commands and by tests that need deterministic ordering.
type Inline struct{}

func (Inline) Go(fn func()) { fn() }
