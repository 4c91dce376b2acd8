// Package subscriber delivers messages from a streaming subscription to a
// user callback.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fgrzl/pubsublite/internal/loop"
	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/executor"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrClosed is returned by Start once the subscriber has been closed.
var ErrClosed = errors.New("subscriber: closed")

// StreamingPullManager is the handle a close notification refers to.
type StreamingPullManager interface {
	Close()
}

// CloseCallback is told once that manager has shut down; err is the failure
// that caused it, or nil after a clean Close.
type CloseCallback func(manager StreamingPullManager, err error)

type CallbackSubscriberOptions struct {
	Name    string
	Metrics *metrics.Metrics
}

// CallbackSubscriber drives an AsyncSingleSubscriber from a dedicated loop and
// hands every message to callback on an executor it does not own.
//
// Dispatch is unbounded: the poll loop never waits for callbacks, so a slow
// callback grows the executor's queue rather than pausing reads. Flow control
// belongs to the underlying subscriber.
//
// Construction is two-phase: AddCloseCallback must be called exactly once
// before Start.
type CallbackSubscriber struct {
	underlying AsyncSingleSubscriber
	callback   MessageCallback
	executor   executor.Executor
	loop       *loop.Loop
	metrics    *metrics.Metrics
	name       string

	mu            sync.Mutex
	closeCallback CloseCallback
	enter         *loop.Future[struct{}]
	entered       atomic.Bool
	poller        *loop.Future[struct{}]
	started       bool
	running       bool
	closed        bool
	failure       error
}

func NewCallbackSubscriber(underlying AsyncSingleSubscriber, callback MessageCallback, unowned executor.Executor, options *CallbackSubscriberOptions) *CallbackSubscriber {
	if options == nil {
		options = &CallbackSubscriberOptions{}
	}
	name := options.Name
	if name == "" {
		name = "subscriber"
	}
	return &CallbackSubscriber{
		underlying: underlying,
		callback:   callback,
		executor:   unowned,
		loop:       loop.New(name),
		metrics:    options.Metrics,
		name:       name,
	}
}

// AddCloseCallback attaches the close notification. It panics if one is
// already attached.
func (s *CallbackSubscriber) AddCloseCallback(cb CloseCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCallback != nil {
		panic("subscriber: close callback already attached")
	}
	s.closeCallback = cb
}

// Start enters the subscriber session and launches the poll loop. It blocks
// until the session is entered, or ctx ends, and panics when no close
// callback has been attached.
func (s *CallbackSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closeCallback == nil:
		s.mu.Unlock()
		panic("subscriber: start before a close callback is attached")
	case s.started:
		s.mu.Unlock()
		panic("subscriber: started twice")
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.loop.Start()
	enter := loop.Submit(s.loop, func(ctx context.Context) (struct{}, error) {
		err := s.underlying.Enter(ctx)
		if err == nil {
			s.entered.Store(true)
		}
		return struct{}{}, err
	})
	s.enter = enter
	s.mu.Unlock()

	_, err := enter.WaitContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Close has already torn the session down.
		return ErrClosed
	}
	s.enter = nil
	if err != nil {
		s.abandon(enter)
		if s.failure == nil {
			s.failure = err
		}
		return err
	}
	s.poller = loop.Submit(s.loop, s.poll)
	s.running = true
	slog.Debug("subscriber: started", slog.String("subscriber", s.name))
	return nil
}

// abandon interrupts an unfinished enter and releases the loop, exiting the
// session if it was entered after all.
func (s *CallbackSubscriber) abandon(enter *loop.Future[struct{}]) {
	enter.Cancel()
	_, _ = enter.Wait()
	if s.entered.Load() {
		s.exit()
		return
	}
	s.loop.Stop()
}

func (s *CallbackSubscriber) poll(ctx context.Context) (struct{}, error) {
	for {
		msg, err := s.underlying.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			s.bounce(err)
			return struct{}{}, nil
		}
		if err := s.executor.Submit(func() { s.callback(msg) }); err != nil {
			s.bounce(status.Error(codes.FailedPrecondition, fmt.Sprintf("callback executor rejected message: %v", err)))
			return struct{}{}, nil
		}
		s.metrics.Dispatched()
	}
}

// bounce hands the failure to the executor: the close sequence stops the loop
// and therefore cannot run on it.
func (s *CallbackSubscriber) bounce(err error) {
	slog.Warn("subscriber: read failed", slog.String("subscriber", s.name), "error", err)
	if submitErr := s.executor.Submit(func() { s.fail(err) }); submitErr != nil {
		go s.fail(err)
	}
}

func (s *CallbackSubscriber) fail(err error) {
	s.mu.Lock()
	if !s.closed && s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.Close()
}

// Close stops the poll loop, exits the session, stops the loop and fires the
// close callback. Only the first call does any work; every call returns once
// teardown has completed. Close must not be called from a close callback.
func (s *CallbackSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	switch {
	case s.running:
		s.poller.Cancel()
		if _, err := s.poller.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("subscriber: poll loop ended with error", slog.String("subscriber", s.name), "error", err)
		}
		s.exit()
		s.running = false
	case s.enter != nil:
		// Start is still entering the session.
		s.abandon(s.enter)
		s.enter = nil
	}

	s.metrics.Closed(s.failure)
	slog.Debug("subscriber: closed", slog.String("subscriber", s.name), "error", s.failure)
	if s.closeCallback != nil {
		s.closeCallback(s, s.failure)
	}
}

func (s *CallbackSubscriber) exit() {
	_, err := loop.Run(s.loop, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.underlying.Exit(ctx, nil)
	})
	if err != nil {
		slog.Warn("subscriber: session exit failed", slog.String("subscriber", s.name), "error", err)
	}
	s.loop.Stop()
}
