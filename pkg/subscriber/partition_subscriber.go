package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ExitTimeout bounds how long Exit waits for queued commits to be stored.
var ExitTimeout = 5 * time.Second

type PartitionSubscriberOptions struct {
	Subscription api.SubscriptionPath
	Partition    int
	// Offset is the first offset to deliver; api.OffsetCommitted resumes
	// after the last committed cursor.
	Offset int64
}

// PartitionSubscriber is an AsyncSingleSubscriber reading one partition of a
// subscription over a single stream. Acks advance the committed cursor; a
// Nack fails the stream.
type PartitionSubscriber struct {
	provider api.BidiStreamProvider
	options  PartitionSubscriberOptions

	conn    *wire.Connection[api.Routeable, api.Routeable]
	cancel  context.CancelFunc
	session context.Context
	start   api.Cursor
	buffer  []*api.SequencedMessage
	tracker *AckSetTracker

	// ackMu keeps commit requests in cursor order.
	ackMu sync.Mutex
}

var _ AsyncSingleSubscriber = (*PartitionSubscriber)(nil)

func NewPartitionSubscriber(provider api.BidiStreamProvider, options PartitionSubscriberOptions) *PartitionSubscriber {
	return &PartitionSubscriber{provider: provider, options: options}
}

func (s *PartitionSubscriber) Enter(ctx context.Context) error {
	session, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := wire.Dial(session, s.provider, api.MethodSubscribe)
	if err != nil {
		cancel()
		return err
	}

	init := &api.InitialSubscribeRequest{
		Subscription: s.options.Subscription.String(),
		Partition:    s.options.Partition,
		Offset:       s.options.Offset,
	}
	if err := conn.Write(ctx, init); err != nil {
		conn.Close()
		cancel()
		return err
	}
	frame, err := conn.Read(ctx)
	if err != nil {
		conn.Close()
		cancel()
		return err
	}
	resp, ok := frame.(*api.InitialSubscribeResponse)
	if !ok {
		conn.Close()
		cancel()
		return status.Error(codes.FailedPrecondition, fmt.Sprintf("unexpected first subscribe response %T", frame))
	}

	s.conn, s.session, s.cancel = conn, session, cancel
	s.start = resp.Cursor
	s.tracker = NewAckSetTracker()
	slog.Debug("subscriber: partition session entered",
		slog.String("subscription", init.Subscription),
		slog.Int("partition", init.Partition),
		slog.Int64("cursor", resp.Cursor.Offset))
	return nil
}

// StartCursor is the cursor the service resumed from.
func (s *PartitionSubscriber) StartCursor() api.Cursor {
	return s.start
}

func (s *PartitionSubscriber) Read(ctx context.Context) (*Message, error) {
	for len(s.buffer) == 0 {
		frame, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		switch f := frame.(type) {
		case *api.MessageResponse:
			s.buffer = append(s.buffer, f.Messages...)
		case *api.CommitCursorResponse:
		default:
			err := status.Error(codes.FailedPrecondition, fmt.Sprintf("unexpected subscribe response %T", frame))
			s.conn.Fail(err)
			return nil, s.conn.Err()
		}
	}

	next := s.buffer[0]
	s.buffer[0] = nil
	s.buffer = s.buffer[1:]

	if err := s.tracker.Track(next.Cursor.Offset); err != nil {
		s.conn.Fail(status.Error(codes.FailedPrecondition, err.Error()))
		return nil, s.conn.Err()
	}
	msg, err := Transform(next, s.options.Partition)
	if err != nil {
		s.conn.Fail(err)
		return nil, s.conn.Err()
	}
	offset := next.Cursor.Offset
	msg.ack = func() { s.ack(offset) }
	msg.nack = func() {
		s.conn.Fail(status.Error(codes.FailedPrecondition,
			fmt.Sprintf("message %s was nacked and nacks are not supported", msg.MessageID)))
	}
	return msg, nil
}

func (s *PartitionSubscriber) ack(offset int64) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	cursor, moved := s.tracker.Ack(offset)
	if !moved {
		return
	}
	if err := s.conn.Write(s.session, &api.CommitCursorRequest{Cursor: cursor}); err != nil {
		slog.Debug("subscriber: commit dropped", slog.Int64("cursor", cursor.Offset), "error", err)
	}
}

// Exit sends the commits still queued, half-closes the stream and waits,
// bounded by ExitTimeout, for the service to end it so those commits are
// stored before the session is released.
func (s *PartitionSubscriber) Exit(ctx context.Context, err error) error {
	if s.conn == nil {
		return nil
	}
	defer s.cancel()
	defer s.conn.Close()

	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ExitTimeout)
	defer cancel()
	if flushErr := s.conn.Flush(ctx); flushErr != nil {
		slog.Debug("subscriber: commits not flushed", "error", flushErr)
		return nil
	}
	if closeErr := s.conn.CloseSend(); closeErr != nil {
		slog.Debug("subscriber: half-close failed", "error", closeErr)
		return nil
	}
	for {
		if _, readErr := s.conn.Read(ctx); readErr != nil {
			return nil
		}
	}
}
