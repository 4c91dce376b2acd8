package wire

import (
	"context"
	"sync"

	"github.com/fgrzl/enumerators"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Connection adapts one bidirectional stream into independent Read and Write
// operations for a single RPC attempt.
//
// Inbound items come from a response source attached once with
// SetResponseSource. Outbound items are queued by Write and handed to the
// transport, in submission order, through Next. A Write completes only once the
// transport has pulled that exact item.
//
// The first error observed is sticky: every later Read, Write and Next fails
// with it, and so does every call still waiting. A Connection is never reused
// across attempts; a retry builds a new one.
type Connection[Req, Resp any] struct {
	mu      sync.Mutex
	source  enumerators.Enumerator[Resp]
	pending []*pendingWrite[Req]
	ready   chan struct{}
	err     error
	failed  chan struct{}
	onClose func()

	// unsent counts writes not yet reported by the transport through Sent;
	// flushed is closed whenever it drops to zero.
	unsent    int
	flushed   chan struct{}
	closeSend func() error

	readSem  chan struct{}
	inflight chan readResult[Resp]
}

type pendingWrite[Req any] struct {
	req  Req
	done chan struct{}
}

type readResult[Resp any] struct {
	item Resp
	err  error
}

func NewConnection[Req, Resp any]() *Connection[Req, Resp] {
	return &Connection[Req, Resp]{
		ready:   make(chan struct{}, 1),
		failed:  make(chan struct{}),
		readSem: make(chan struct{}, 1),
		flushed: closedChan(),
	}
}

// SetResponseSource attaches the inbound sequence. It must be called exactly
// once, before the first Read.
func (c *Connection[Req, Resp]) SetResponseSource(source enumerators.Enumerator[Resp]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		panic("wire: response source already attached")
	}
	c.source = source
}

// Read returns the next inbound item.
//
// A cancelled ctx abandons the wait but not the pull: the source is never
// advanced again until the in-flight item has been consumed by a later Read.
func (c *Connection[Req, Resp]) Read(ctx context.Context) (Resp, error) {
	var zero Resp

	select {
	case c.readSem <- struct{}{}:
	case <-c.failed:
		return zero, c.Err()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	defer func() { <-c.readSem }()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return zero, err
	}
	source := c.source
	c.mu.Unlock()
	if source == nil {
		panic("wire: read before response source attached")
	}

	if c.inflight == nil {
		c.inflight = make(chan readResult[Resp], 1)
		go advance(source, c.inflight)
	}

	select {
	case r := <-c.inflight:
		c.inflight = nil
		if r.err != nil {
			c.Fail(r.err)
			return zero, c.Err()
		}
		return r.item, nil
	case <-c.failed:
		return zero, c.Err()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// advance pulls one item. A source may end with an error either by yielding
// it from Current or by stopping and reporting it through Err.
func advance[Resp any](source enumerators.Enumerator[Resp], out chan<- readResult[Resp]) {
	if !source.MoveNext() {
		err := source.Err()
		if err == nil {
			err = ErrStreamExhausted
		}
		out <- readResult[Resp]{err: err}
		return
	}
	item, err := source.Current()
	out <- readResult[Resp]{item: item, err: err}
}

// Write queues req and waits until the transport has pulled it with Next.
// If ctx ends first and req has not been pulled yet, it is withdrawn.
func (c *Connection[Req, Resp]) Write(ctx context.Context, req Req) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	w := &pendingWrite[Req]{req: req, done: make(chan struct{})}
	c.pending = append(c.pending, w)
	if c.unsent == 0 {
		c.flushed = make(chan struct{})
	}
	c.unsent++
	c.signal()
	c.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-c.failed:
		if c.withdraw(w) {
			return c.Err()
		}
		return nil
	case <-ctx.Done():
		if c.withdraw(w) {
			return ctx.Err()
		}
		return nil
	}
}

// Next is the pull side used by the transport. It removes the oldest queued
// write, completes its waiter and returns the item, blocking while the queue
// is empty.
func (c *Connection[Req, Resp]) Next(ctx context.Context) (Req, error) {
	var zero Req
	for {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return zero, err
		}
		if len(c.pending) > 0 {
			w := c.pending[0]
			c.pending[0] = nil
			c.pending = c.pending[1:]
			close(w.done)
			c.mu.Unlock()
			return w.req, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.failed:
			return zero, c.Err()
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Sent is called by the transport once an item returned by Next has been
// handed to the stream.
func (c *Connection[Req, Resp]) Sent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()
}

// Flush waits until every write queued so far has been sent, the connection
// fails or ctx ends.
func (c *Connection[Req, Resp]) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	flushed := c.flushed
	c.mu.Unlock()

	select {
	case <-flushed:
		return nil
	case <-c.failed:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend tells the peer no more writes follow. Reads continue until the
// peer ends the stream. Writes must not race with it.
func (c *Connection[Req, Resp]) CloseSend() error {
	c.mu.Lock()
	closeSend := c.closeSend
	c.mu.Unlock()
	if closeSend == nil {
		return nil
	}
	return AdaptError(closeSend())
}

// Fail records err as the terminal error. Only the first call has an effect.
func (c *Connection[Req, Resp]) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = AdaptError(err)
	close(c.failed)
}

// Err returns the terminal error, if any.
func (c *Connection[Req, Resp]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has failed.
func (c *Connection[Req, Resp]) Done() <-chan struct{} {
	return c.failed
}

// Pending reports how many writes are waiting to be pulled.
func (c *Connection[Req, Resp]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails the connection with codes.Canceled and releases the transport.
func (c *Connection[Req, Resp]) Close() {
	c.Fail(status.Error(codes.Canceled, "connection closed"))
	c.mu.Lock()
	onClose := c.onClose
	c.onClose = nil
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

func (c *Connection[Req, Resp]) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *Connection[Req, Resp]) withdraw(w *pendingWrite[Req]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if p == w {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.release()
			return true
		}
	}
	return false
}

func (c *Connection[Req, Resp]) release() {
	if c.unsent == 0 {
		return
	}
	c.unsent--
	if c.unsent == 0 {
		close(c.flushed)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
