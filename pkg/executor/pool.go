// Package executor runs user code off the I/O goroutines.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/fgrzl/pubsublite/internal/metrics"
)

var ErrPoolClosed = errors.New("executor: pool closed")

// Executor accepts fire-and-forget tasks.
type Executor interface {
	Submit(task func()) error
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(task func()) error

func (f ExecutorFunc) Submit(task func()) error { return f(task) }

type PoolOptions struct {
	Workers int
	Metrics *metrics.Metrics
}

func DefaultPoolOptions() *PoolOptions {
	return &PoolOptions{Workers: runtime.GOMAXPROCS(0) * 4}
}

// Pool is a fixed set of workers draining an unbounded FIFO queue. Submit never
// blocks, so a producer is never slowed by slow tasks; queue growth is bounded
// only by memory.
type Pool struct {
	queue   *queue.Queue
	workers sync.WaitGroup
	closed  atomic.Bool
	metrics *metrics.Metrics
}

func NewPool(options *PoolOptions) *Pool {
	if options == nil {
		options = DefaultPoolOptions()
	}
	workers := options.Workers
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		queue:   queue.New(int64(workers)),
		metrics: options.Metrics,
	}
	p.workers.Add(workers)
	for range workers {
		go p.work()
	}
	return p
}

func (p *Pool) Submit(task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.queue.Put(task); err != nil {
		return ErrPoolClosed
	}
	return nil
}

// Len reports how many tasks are queued but not yet started.
func (p *Pool) Len() int {
	return int(p.queue.Len())
}

// Shutdown rejects new tasks, waits for queued tasks to be picked up and for
// running tasks to return. If ctx ends first the remaining queue is dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !p.queue.Empty() {
		select {
		case <-ctx.Done():
			dropped := p.queue.Dispose()
			slog.Warn("executor: shutdown dropped queued tasks", slog.Int("dropped", len(dropped)))
			return ctx.Err()
		case <-ticker.C:
		}
	}
	p.queue.Dispose()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.workers.Done()
	for {
		items, err := p.queue.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			p.run(item.(func()))
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panicked()
			slog.Error("executor: task panicked", "error", fmt.Sprint(r))
		}
	}()
	task()
}
