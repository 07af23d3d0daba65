package async

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous computation. A Future completes
// exactly once; every waiter observes the same value and error.
type Future[T any] struct {
	done      chan struct{}
	mu        sync.Mutex
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// Promise is the producing side of a Future.
type Promise[T any] struct {
	future *Future[T]
}

// NewPromise creates a promise together with its pending future.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{future: &Future[T]{done: make(chan struct{})}}
}

// Future returns the future completed by this promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Complete resolves the future. Only the first call has an effect; it
// reports whether this call completed the future.
func (p *Promise[T]) Complete(value T, err error) bool {
	return p.future.complete(value, err)
}

// Resolve completes the future with a value.
func (p *Promise[T]) Resolve(value T) bool {
	return p.future.complete(value, nil)
}

// Reject completes the future with an error.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.future.complete(zero, err)
}

// Completed returns an already resolved future.
func Completed[T any](value T) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.complete(value, nil)
	return f
}

// Failed returns an already rejected future.
func Failed[T any](err error) *Future[T] {
	var zero T
	f := &Future[T]{done: make(chan struct{})}
	f.complete(zero, err)
	return f
}

func (f *Future[T]) complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// callbacks run on the completing goroutine, in registration order
	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Done returns a channel closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the future completes or ctx is done. Cancelling ctx
// abandons the wait only; the computation keeps running.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run when the future completes. If the future
// is already complete cb runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	cb(value, err)
}

// Then returns a future holding fn applied to the value of f. Errors of f
// propagate without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := NewPromise[U]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		p.Complete(fn(value))
	})
	return p.Future()
}
