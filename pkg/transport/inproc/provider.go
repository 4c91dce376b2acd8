// Package inproc connects a BidiStreamProvider directly to a StreamHandler in
// the same process. Messages are handed over without serialization.
package inproc

import (
	"context"
	"io"
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
	"google.golang.org/grpc/status"
)

type Provider struct {
	handler api.StreamHandler
}

var _ api.BidiStreamProvider = (*Provider)(nil)

func NewProvider(handler api.StreamHandler) *Provider {
	return &Provider{handler: handler}
}

// CallStream starts handler on the server end of a new pipe. The stream ends
// when ctx is cancelled; once the handler returns the client receives its
// error, or io.EOF.
func (p *Provider) CallStream(ctx context.Context, method api.Method) (api.BidiStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	up, down := newPipe(), newPipe()
	client := &endpoint{ctx: ctx, in: down, out: up}
	server := &endpoint{ctx: ctx, in: up, out: down}
	go func() {
		down.closeWith(p.handler.Handle(ctx, method, server))
	}()
	return client, nil
}

type pipe struct {
	ch     chan api.Routeable
	once   sync.Once
	closed chan struct{}
	err    error
}

func newPipe() *pipe {
	return &pipe{ch: make(chan api.Routeable), closed: make(chan struct{})}
}

func (p *pipe) close() {
	p.closeWith(nil)
}

func (p *pipe) closeWith(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.closed)
	})
}

type endpoint struct {
	ctx context.Context
	in  *pipe
	out *pipe
}

func (e *endpoint) Send(msg api.Routeable) error {
	select {
	case <-e.out.closed:
		return io.ErrClosedPipe
	case <-e.ctx.Done():
		return status.FromContextError(e.ctx.Err()).Err()
	case e.out.ch <- msg:
		return nil
	}
}

func (e *endpoint) Recv() (api.Routeable, error) {
	select {
	case msg := <-e.in.ch:
		return msg, nil
	case <-e.in.closed:
		if e.in.err != nil {
			return nil, e.in.err
		}
		return nil, io.EOF
	case <-e.ctx.Done():
		return nil, status.FromContextError(e.ctx.Err()).Err()
	}
}

func (e *endpoint) CloseSend() error {
	e.out.close()
	return nil
}
