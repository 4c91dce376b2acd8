package api

import "context"

type BidiStreamProvider interface {
	// CallStream opens a bidirectional stream for the given method.
	// Nothing is sent; the caller writes the initial request itself.
	CallStream(ctx context.Context, method Method) (BidiStream, error)
}

// StreamHandler serves the remote end of a stream opened with CallStream.
// Returning ends the stream; a non-nil error is reported to the client.
type StreamHandler interface {
	Handle(ctx context.Context, method Method, stream BidiStream) error
}

// StreamHandlerFunc adapts a function to a StreamHandler.
type StreamHandlerFunc func(ctx context.Context, method Method, stream BidiStream) error

func (f StreamHandlerFunc) Handle(ctx context.Context, method Method, stream BidiStream) error {
	return f(ctx, method, stream)
}
