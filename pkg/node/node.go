package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxBatchSize bounds the messages sent in one MessageResponse.
var MaxBatchSize = 100

// Node serves the subscribe and publish streams of one store.
type Node interface {
	api.StreamHandler
	Close()
}

type NodeOptions struct {
	// Subscriptions maps subscription paths to the topic paths they read.
	// An unlisted subscription reads the topic of the same project, location
	// and name.
	Subscriptions map[string]string
	Metrics       *metrics.Metrics
}

func NewNode(store storage.Store, options *NodeOptions) Node {
	if options == nil {
		options = &NodeOptions{}
	}
	return &defaultNode{
		store:    store,
		options:  options,
		notifier: newNotifier(),
	}
}

type defaultNode struct {
	store    storage.Store
	options  *NodeOptions
	notifier *notifier
}

func (n *defaultNode) Close() {
	n.store.Close()
}

func (n *defaultNode) Handle(ctx context.Context, method api.Method, stream api.BidiStream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Error(codes.Internal, fmt.Sprintf("panic: %v", r))
		}
	}()
	defer n.options.Metrics.StreamOpened(string(method))()

	first, err := stream.Recv()
	if err != nil {
		return err
	}

	switch args := first.(type) {
	case *api.InitialSubscribeRequest:
		return n.handleSubscribe(ctx, args, stream)
	case *api.InitialPublishRequest:
		return n.handlePublish(ctx, args, stream)
	default:
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid initial request msg type: %T", first))
	}
}

func (n *defaultNode) handlePublish(ctx context.Context, args *api.InitialPublishRequest, stream api.BidiStream) error {
	if _, err := api.ParseTopicPath(args.Topic); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if args.Partition < 0 {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid partition %d", args.Partition))
	}
	if err := stream.Send(&api.InitialPublishResponse{}); err != nil {
		return err
	}
	slog.DebugContext(ctx, "node: publish stream opened", slog.String("topic", args.Topic), slog.Int("partition", args.Partition))

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, ok := frame.(*api.MessagePublishRequest)
		if !ok {
			return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid publish request msg type: %T", frame))
		}

		cursor, err := n.store.Append(ctx, args.Topic, args.Partition, req.Messages)
		if err != nil {
			slog.ErrorContext(ctx, "node: append failed", slog.String("topic", args.Topic), "error", err)
			return status.Error(codes.Unavailable, err.Error())
		}
		n.notifier.Notify(&PartitionNotification{
			Topic:     args.Topic,
			Partition: args.Partition,
			Head:      cursor.Offset + int64(len(req.Messages)),
		})
		n.options.Metrics.Published(len(req.Messages))

		if err := stream.Send(&api.MessagePublishResponse{StartCursor: cursor}); err != nil {
			return err
		}
	}
}

func (n *defaultNode) handleSubscribe(ctx context.Context, args *api.InitialSubscribeRequest, stream api.BidiStream) error {
	topic, err := n.resolveTopic(args.Subscription)
	if err != nil {
		return err
	}
	if args.Partition < 0 {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid partition %d", args.Partition))
	}

	offset := args.Offset
	if offset == api.OffsetCommitted {
		cursor, err := n.store.CommittedCursor(ctx, args.Subscription, args.Partition)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			offset = 0
		case err != nil:
			return status.Error(codes.Unavailable, err.Error())
		default:
			offset = cursor.Offset
		}
	}
	if offset < 0 {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid offset %d", offset))
	}

	out := &lockedSender{stream: stream}
	if err := out.Send(&api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: offset}}); err != nil {
		return err
	}
	slog.DebugContext(ctx, "node: subscribe stream opened",
		slog.String("subscription", args.Subscription),
		slog.String("topic", topic),
		slog.Int("partition", args.Partition),
		slog.Int64("offset", offset))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer out.Close()

	// The commit loop is blocked in Recv and only ends with the stream, so it
	// is not waited for; the delivery loop is.
	acks := newCommitAcks()
	go acks.run(ctx, out)
	commits := make(chan error, 1)
	go func() { commits <- n.applyCommits(ctx, args, stream, acks) }()
	delivered := make(chan error, 1)
	go func() { delivered <- n.deliver(ctx, topic, args.Partition, offset, out) }()

	select {
	case err := <-commits:
		cancel()
		<-delivered
		return err
	case err := <-delivered:
		return err
	}
}

func (n *defaultNode) resolveTopic(subscription string) (string, error) {
	if topic, ok := n.options.Subscriptions[subscription]; ok {
		return topic, nil
	}
	path, err := api.ParseSubscriptionPath(subscription)
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return api.TopicPath{Project: path.Project, Location: path.Location, Name: path.Name}.String(), nil
}

// deliver streams the backlog from offset and then tails the partition
// until ctx ends.
func (n *defaultNode) deliver(ctx context.Context, topic string, partition int, offset int64, out *lockedSender) error {
	for {
		// Watch before reading so an append racing the read is not missed.
		wake := n.notifier.Watch(topic, partition)

		next, err := n.sendBacklog(ctx, topic, partition, offset, out)
		if err != nil {
			return err
		}
		offset = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (n *defaultNode) sendBacklog(ctx context.Context, topic string, partition int, offset int64, out *lockedSender) (int64, error) {
	messages := n.store.Read(ctx, topic, partition, offset)
	defer messages.Dispose()

	batch := make([]*api.SequencedMessage, 0, MaxBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := out.Send(&api.MessageResponse{Messages: batch}); err != nil {
			return err
		}
		n.options.Metrics.Served(len(batch))
		batch = make([]*api.SequencedMessage, 0, MaxBatchSize)
		return nil
	}

	for messages.MoveNext() {
		msg, err := messages.Current()
		if err != nil {
			return offset, readError(ctx, err)
		}
		batch = append(batch, msg)
		offset = msg.Cursor.Offset + 1
		if len(batch) == MaxBatchSize {
			if err := flush(); err != nil {
				return offset, err
			}
		}
	}
	if err := messages.Err(); err != nil {
		return offset, readError(ctx, err)
	}
	return offset, flush()
}

func readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

func (n *defaultNode) applyCommits(ctx context.Context, args *api.InitialSubscribeRequest, stream api.BidiStream, acks *commitAcks) error {
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, ok := frame.(*api.CommitCursorRequest)
		if !ok {
			return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid subscribe request msg type: %T", frame))
		}
		if err := n.store.CommitCursor(ctx, args.Subscription, args.Partition, req.Cursor); err != nil {
			return status.Error(codes.Unavailable, err.Error())
		}
		acks.add()
	}
}

// commitAcks acknowledges stored commits off the commit loop, so a client
// that is not reading never holds up later commits. Commits stored while an
// acknowledgement is being sent are acknowledged together.
type commitAcks struct {
	mu      sync.Mutex
	count   int64
	pending chan struct{}
}

func newCommitAcks() *commitAcks {
	return &commitAcks{pending: make(chan struct{}, 1)}
}

func (a *commitAcks) add() {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()
	select {
	case a.pending <- struct{}{}:
	default:
	}
}

func (a *commitAcks) take() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.count
	a.count = 0
	return n
}

func (a *commitAcks) run(ctx context.Context, out *lockedSender) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.pending:
		}
		if n := a.take(); n > 0 {
			if err := out.Send(&api.CommitCursorResponse{AcknowledgedCommits: n}); err != nil {
				return
			}
		}
	}
}

// lockedSender lets the delivery loop and the commit loop share one stream.
// Sends after Close are dropped.
type lockedSender struct {
	mu     sync.Mutex
	stream api.BidiStream
	closed bool
}

func (s *lockedSender) Send(msg api.Routeable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.Error(codes.Canceled, "stream closed")
	}
	return s.stream.Send(msg)
}

func (s *lockedSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
