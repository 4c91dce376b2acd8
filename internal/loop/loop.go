// Package loop provides a dedicated background execution context: a worker
// with an explicit start/stop lifecycle that runs submitted tasks and hands
// their results back to other goroutines through futures.
package loop

import (
	"context"
	"log/slog"
	"sync"
)

type state int

const (
	idle state = iota
	running
	stopped
)

type job struct {
	run    func(ctx context.Context)
	reject func(err error)
}

// Loop owns a task queue drained by a dispatcher goroutine. Every task runs
// under the loop's context, which Stop cancels before waiting for all tasks
// to return.
type Loop struct {
	name string

	mu    sync.RWMutex
	state state

	ctx        context.Context
	cancel     context.CancelFunc
	jobs       chan job
	tasks      sync.WaitGroup
	dispatched chan struct{}
}

func New(name string) *Loop {
	return &Loop{
		name: name,
		jobs: make(chan job, 64),
	}
}

// Start launches the dispatcher. A loop can be started only once.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != idle {
		panic("loop: " + l.name + " already started")
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.dispatched = make(chan struct{})
	l.state = running
	go l.dispatch()
	slog.Debug("loop: started", slog.String("loop", l.name))
}

// Stop cancels every running task, waits for them to return and fails the
// futures of tasks that never started with ErrStopped. Stopping a loop that
// was never started panics; stopping twice is a no-op. Stop must not be called
// from a task running on l: it would wait for itself.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state {
	case idle:
		l.mu.Unlock()
		panic("loop: " + l.name + " stopped before start")
	case stopped:
		l.mu.Unlock()
		return
	}
	l.state = stopped
	l.mu.Unlock()

	l.cancel()
	<-l.dispatched
drain:
	for {
		select {
		case j := <-l.jobs:
			j.reject(ErrStopped)
		default:
			break drain
		}
	}
	l.tasks.Wait()
	slog.Debug("loop: stopped", slog.String("loop", l.name))
}

func (l *Loop) dispatch() {
	defer close(l.dispatched)
	for {
		select {
		case <-l.ctx.Done():
			return
		case j := <-l.jobs:
			l.tasks.Add(1)
			go func() {
				defer l.tasks.Done()
				j.run(l.ctx)
			}()
		}
	}
}

func (l *Loop) enqueue(j job) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != running {
		return false
	}
	l.jobs <- j
	return true
}

// Submit schedules task on l and returns a handle to its result. The task's
// context is cancelled by Future.Cancel or by Stop.
func Submit[T any](l *Loop, task func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	j := job{
		run: func(ctx context.Context) {
			taskCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			f.bind(cancel)
			v, err := task(taskCtx)
			f.complete(v, err)
		},
		reject: func(err error) {
			var zero T
			f.complete(zero, err)
		},
	}
	if !l.enqueue(j) {
		j.reject(ErrStopped)
	}
	return f
}

// Run submits task and blocks until it completes.
func Run[T any](l *Loop, task func(ctx context.Context) (T, error)) (T, error) {
	return Submit(l, task).Wait()
}
