package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStopped is reported by futures submitted to a loop that is not running.
	ErrStopped = errors.New("loop: not running")
	// ErrCancelled is reported by futures cancelled before their task completed.
	ErrCancelled = fmt.Errorf("loop: task cancelled: %w", context.Canceled)
)

// Future is a cross-goroutine handle to the eventual result of a task.
type Future[T any] struct {
	done      chan struct{}
	once      sync.Once
	value     T
	err       error
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with value.
func Resolved[T any](value T) *Future[T] {
	f := newFuture[T]()
	f.complete(value, nil)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

func (f *Future[T]) complete(value T, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		if f.cancelled {
			var zero T
			value, err = zero, ErrCancelled
		}
		f.mu.Unlock()
		f.value, f.err = value, err
		close(f.done)
	})
}

func (f *Future[T]) bind(cancel context.CancelFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = cancel
	if f.cancelled {
		cancel()
	}
}

// Cancel interrupts the task by cancelling its context. A task that has not
// completed yet reports ErrCancelled. Cancel after completion is a no-op.
func (f *Future[T]) Cancel() {
	select {
	case <-f.done:
		return
	default:
	}
	f.mu.Lock()
	f.cancelled = true
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// WaitContext blocks until the task completes or ctx ends.
func (f *Future[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
