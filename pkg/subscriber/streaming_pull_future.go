package subscriber

import (
	"context"
	"sync"
)

type closeNotifier interface {
	StreamingPullManager
	AddCloseCallback(cb CloseCallback)
}

// StreamingPullFuture is the caller's handle on a running subscription. It
// completes when the subscription shuts down, with the failure that caused it.
type StreamingPullFuture struct {
	manager StreamingPullManager
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewStreamingPullFuture attaches itself as manager's close callback, so it
// must be built before manager is started.
func NewStreamingPullFuture(manager closeNotifier) *StreamingPullFuture {
	f := &StreamingPullFuture{manager: manager, done: make(chan struct{})}
	manager.AddCloseCallback(f.onClose)
	return f
}

func (f *StreamingPullFuture) onClose(_ StreamingPullManager, err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Cancel shuts the subscription down and returns once it has stopped.
func (f *StreamingPullFuture) Cancel() {
	f.manager.Close()
}

func (f *StreamingPullFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the subscription has shut down or ctx ends.
func (f *StreamingPullFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the terminal failure; nil while running or after a clean shutdown.
func (f *StreamingPullFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
