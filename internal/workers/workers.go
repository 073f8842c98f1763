// Package workers provides a small bounded worker pool for fan-out over
// slices of work items.
package workers

import (
	"context"
	"sync"
)

// Pool limits the number of goroutines running at once.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem: make(chan struct{}, size),
	}
}

// Go runs fn on its own goroutine, blocking a slot while it runs.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
}

// Wait blocks until every submitted function returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Map runs fn over items with at most size goroutines and returns a result
// per item in the input order. A canceled context skips items not yet
// started; their slots hold ctx.Err().
func Map[T, R any](ctx context.Context, items []T, size int, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	pool := NewPool(size)
	for i, item := range items {
		pool.Go(func() {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = fn(ctx, item)
		})
	}
	pool.Wait()
	return results, errs
}
