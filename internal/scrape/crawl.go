// Package scrape extracts service links, stop lists and recent journey
// observations from the source's HTML pages.
package scrape

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDeadline is returned by Run when the crawl timeout fires before the
// task finishes.
var ErrDeadline = errors.New("crawl deadline exceeded")

// Run executes one crawl task with its own result collector and a deadline.
// Items emitted before the deadline are returned alongside ErrDeadline when
// it fires; anything emitted afterwards is dropped.
func Run[T any](ctx context.Context, timeout time.Duration, task func(ctx context.Context, emit func(T)) error) ([]T, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrDeadline)
	defer cancel()

	var (
		mu     sync.Mutex
		items  []T
		closed bool
	)
	emit := func(item T) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			items = append(items, item)
		}
	}
	seal := func() []T {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		return items
	}

	done := make(chan error, 1)
	go func() { done <- task(ctx, emit) }()

	select {
	case err := <-done:
		out := seal()
		if err != nil && ctx.Err() != nil {
			return out, context.Cause(ctx)
		}
		return out, err
	case <-ctx.Done():
		return seal(), context.Cause(ctx)
	}
}
