package usecases

import (
	"context"
	"sync"
	"time"

	"svontai_router/internal/entities"
)

// Future is a single-assignment result that callers can wait on with a deadline.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn in its own goroutine and resolves the future with its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := NewFuture[T]()
	go func() {
		v, err := fn(ctx)
		f.Resolve(v, err)
	}()
	return f
}

// Resolve sets the result. Only the first call wins.
func (f *Future[T]) Resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is resolved.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await waits up to timeout. It returns ErrDispatchTimedOut when the timer fires first and
// ErrCallerCancelled when ctx is done first. The future keeps running in both cases.
func (f *Future[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		// a result that landed together with the timer still counts
		select {
		case <-f.done:
			return f.val, f.err
		default:
		}
		return zero, entities.ErrDispatchTimedOut
	case <-ctx.Done():
		return zero, entities.ErrCallerCancelled
	}
}
