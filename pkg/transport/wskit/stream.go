package wskit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/fgrzl/json/polymorphic"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// inbound is one element of a channel's receive queue; a non-nil err is
// terminal.
type inbound struct {
	msg api.Routeable
	err error
}

// MuxerBidiStream is one logical stream of a WebSocketMuxer. Inbound frames
// are queued without bound so a slow reader never stalls the connection.
type MuxerBidiStream struct {
	channelID uuid.UUID
	ctx       context.Context
	cancel    context.CancelFunc
	send      func(*MuxerMsg) error
	cleanup   func()
	inbound   *queue.Queue
	stop      func() bool

	mu         sync.Mutex
	err        error
	sendClosed bool
	finished   bool
}

func newMuxerBidiStream(ctx context.Context, channelID uuid.UUID, send func(*MuxerMsg) error, cleanup func()) *MuxerBidiStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &MuxerBidiStream{
		channelID: channelID,
		ctx:       ctx,
		cancel:    cancel,
		send:      send,
		cleanup:   cleanup,
		inbound:   queue.New(16),
	}
	// Held so the callback cannot observe s.stop unset.
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() {
		s.Close(status.FromContextError(ctx.Err()).Err())
	})
	s.mu.Unlock()
	return s
}

func (s *MuxerBidiStream) Context() context.Context {
	return s.ctx
}

func (s *MuxerBidiStream) Send(msg api.Routeable) error {
	payload, err := json.Marshal(polymorphic.NewEnvelope(msg))
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("marshal %T: %v", msg, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.finished:
		return s.err
	case s.sendClosed:
		return io.ErrClosedPipe
	}
	return s.send(&MuxerMsg{ChannelID: s.channelID, Payload: payload})
}

func (s *MuxerBidiStream) Recv() (api.Routeable, error) {
	items, err := s.inbound.Get(1)
	if err != nil {
		return nil, s.terminal()
	}
	item := items[0].(inbound)
	if item.err != nil {
		s.finish(item.err)
		s.inbound.Dispose()
		return nil, item.err
	}
	return item.msg, nil
}

// CloseSend tells the peer no more frames follow on this channel.
func (s *MuxerBidiStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.send(&MuxerMsg{ChannelID: s.channelID, Close: true})
}

// Close ends the channel locally and reports err to the peer; a nil err
// closes it cleanly.
func (s *MuxerBidiStream) Close(err error) {
	s.mu.Lock()
	if !s.finished && !s.sendClosed {
		s.sendClosed = true
		if sendErr := s.send(&MuxerMsg{ChannelID: s.channelID, Close: true, Error: newErrorFrame(err)}); sendErr != nil {
			slog.Debug("muxer: close frame not sent", slog.String("channel_id", s.channelID.String()), "error", sendErr)
		}
	}
	s.mu.Unlock()
	if err == nil {
		err = io.EOF
	}
	s.finish(err)
	s.inbound.Dispose()
}

// deliver queues a frame received from the peer.
func (s *MuxerBidiStream) deliver(msg *MuxerMsg) {
	if msg.Close {
		var err error = io.EOF
		if msg.Error != nil {
			err = msg.Error.Err()
		}
		_ = s.inbound.Put(inbound{err: err})
		if msg.Error != nil {
			// The peer is gone; frames already queued stay readable.
			s.finish(err)
		}
		return
	}
	envelope := &polymorphic.Envelope{}
	if err := json.Unmarshal(msg.Payload, envelope); err != nil {
		s.Close(status.Error(codes.InvalidArgument, fmt.Sprintf("unmarshal frame: %v", err)))
		return
	}
	routeable, ok := envelope.Content.(api.Routeable)
	if !ok {
		s.Close(status.Error(codes.InvalidArgument, fmt.Sprintf("unexpected frame type %T", envelope.Content)))
		return
	}
	_ = s.inbound.Put(inbound{msg: routeable})
}

// finish records the terminal error once and releases the channel.
func (s *MuxerBidiStream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	stop := s.stop
	s.mu.Unlock()

	stop()
	s.cancel()
	s.cleanup()
}

func (s *MuxerBidiStream) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return status.Error(codes.Canceled, "stream closed")
}
