// Package publisher sends messages to topic partitions.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/wire"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PartitionPublisher publishes to one partition of a topic over a single
// stream. Publishes are serialized; the first failure is permanent.
type PartitionPublisher struct {
	topic     api.TopicPath
	partition int

	mu     sync.Mutex
	conn   *wire.Connection[api.Routeable, api.Routeable]
	cancel context.CancelFunc
}

// OpenPartitionPublisher dials the publish stream and completes the initial
// handshake. The stream outlives ctx and is released by Close.
func OpenPartitionPublisher(ctx context.Context, provider api.BidiStreamProvider, topic api.TopicPath, partition int, clientID string) (*PartitionPublisher, error) {
	session, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn, err := wire.Dial(session, provider, api.MethodPublish)
	if err != nil {
		cancel()
		return nil, err
	}
	p := &PartitionPublisher{topic: topic, partition: partition, conn: conn, cancel: cancel}

	init := &api.InitialPublishRequest{Topic: topic.String(), Partition: partition, ClientID: clientID}
	if err := conn.Write(ctx, init); err != nil {
		p.Close()
		return nil, err
	}
	frame, err := conn.Read(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	if _, ok := frame.(*api.InitialPublishResponse); !ok {
		p.Close()
		return nil, status.Error(codes.FailedPrecondition, fmt.Sprintf("unexpected first publish response %T", frame))
	}
	slog.Debug("publisher: partition stream opened", slog.String("topic", init.Topic), slog.Int("partition", partition))
	return p, nil
}

// Publish sends msgs as one batch and returns the cursor of the first.
func (p *PartitionPublisher) Publish(ctx context.Context, msgs ...*api.PubSubMessage) (api.Cursor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.conn.Write(ctx, &api.MessagePublishRequest{Messages: msgs}); err != nil {
		return api.Cursor{}, p.failOn(ctx, err)
	}
	frame, err := p.conn.Read(ctx)
	if err != nil {
		return api.Cursor{}, p.failOn(ctx, err)
	}
	resp, ok := frame.(*api.MessagePublishResponse)
	if !ok {
		p.conn.Fail(status.Error(codes.FailedPrecondition, fmt.Sprintf("unexpected publish response %T", frame)))
		return api.Cursor{}, p.conn.Err()
	}
	return resp.StartCursor, nil
}

// failOn makes a publish abandoned by its caller permanent: the response for
// the abandoned batch would otherwise be taken by the next publish.
func (p *PartitionPublisher) failOn(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		p.conn.Fail(err)
	}
	return err
}

// Err reports the permanent failure, if any.
func (p *PartitionPublisher) Err() error {
	return p.conn.Err()
}

func (p *PartitionPublisher) Close() {
	p.conn.Close()
	p.cancel()
}
