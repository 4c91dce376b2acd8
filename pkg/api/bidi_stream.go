package api

import (
	"errors"
	"io"

	"github.com/fgrzl/enumerators"
)

// BidiStream is one side of a bidirectional streaming RPC. Send and Recv may be
// called from different goroutines, but neither may be called concurrently with itself.
type BidiStream interface {
	Send(msg Routeable) error
	Recv() (Routeable, error)
	CloseSend() error
}

// NewStreamEnumerator exposes the inbound half of a stream as a lazy sequence.
// A clean end of stream (io.EOF) ends the sequence; any other receive error is
// yielded once as the terminal element and then reported by Err.
func NewStreamEnumerator(stream BidiStream) enumerators.Enumerator[Routeable] {
	return &streamEnumerator{stream: stream}
}

type streamEnumerator struct {
	stream  BidiStream
	current Routeable
	err     error
	done    bool
}

func (e *streamEnumerator) MoveNext() bool {
	if e.done {
		return false
	}
	msg, err := e.stream.Recv()
	if err != nil {
		e.done = true
		if errors.Is(err, io.EOF) {
			return false
		}
		e.current, e.err = nil, err
		return true
	}
	e.current = msg
	return true
}

func (e *streamEnumerator) Current() (Routeable, error) {
	return e.current, e.err
}

func (e *streamEnumerator) Err() error {
	return e.err
}

func (e *streamEnumerator) Dispose() {
	e.done = true
}
