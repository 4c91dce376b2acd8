// Package pubsublite is the client surface: publishers that route messages
// to topic partitions and subscribers that deliver a partition's messages to
// a callback.
package pubsublite

import (
	"context"
	"fmt"
	"sync"

	"github.com/fgrzl/pubsublite/internal/loop"
	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/executor"
	"github.com/fgrzl/pubsublite/pkg/publisher"
	"github.com/fgrzl/pubsublite/pkg/subscriber"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type TopicPath = api.TopicPath
type SubscriptionPath = api.SubscriptionPath
type PublishMetadata = api.PublishMetadata
type Message = subscriber.Message
type MessageCallback = subscriber.MessageCallback
type StreamingPullFuture = subscriber.StreamingPullFuture
type PublisherOptions = publisher.Options

// OffsetCommitted starts a subscription after its last committed cursor.
const OffsetCommitted = api.OffsetCommitted

// AsyncPublisherClient publishes from goroutines that may block; Publish
// returns the message's ack id once the service has accepted it.
type AsyncPublisherClient interface {
	Publish(ctx context.Context, topic TopicPath, data []byte, orderingKey string, attrs map[string]string) (string, error)
	Close()
}

// PublisherClient publishes without blocking the caller; the future yields
// the ack id.
type PublisherClient interface {
	Publish(topic TopicPath, data []byte, orderingKey string, attrs map[string]string) *loop.Future[string]
	Close()
}

type SubscriberClient interface {
	// Subscribe delivers the messages of one partition to callback until the
	// returned future is cancelled or the subscription fails.
	Subscribe(ctx context.Context, subscription SubscriptionPath, partition int, callback MessageCallback) (*StreamingPullFuture, error)
	// Close cancels every running subscription.
	Close()
}

func NewAsyncPublisherClient(provider api.BidiStreamProvider, options *PublisherOptions) AsyncPublisherClient {
	return publisher.NewAsyncPublisher(provider, options)
}

func NewPublisherClient(provider api.BidiStreamProvider, options *PublisherOptions) PublisherClient {
	return publisher.NewPublisher(provider, options)
}

type SubscriberClientOptions struct {
	// Offset is where new subscriptions start reading, or OffsetCommitted.
	Offset  int64
	Metrics *metrics.Metrics
}

func DefaultSubscriberClientOptions() *SubscriberClientOptions {
	return &SubscriberClientOptions{Offset: OffsetCommitted}
}

type subscriptionKey struct {
	subscription string
	partition    int
}

type subscriberClient struct {
	provider api.BidiStreamProvider
	executor executor.Executor
	owned    *executor.Pool
	options  SubscriberClientOptions

	mu     sync.Mutex
	active map[subscriptionKey]*StreamingPullFuture
	closed bool
}

// NewSubscriberClient runs callbacks on exec, which the client never shuts
// down. A nil exec gets a pool owned, and shut down, by the client.
func NewSubscriberClient(provider api.BidiStreamProvider, exec executor.Executor, options *SubscriberClientOptions) SubscriberClient {
	if options == nil {
		options = DefaultSubscriberClientOptions()
	}
	c := &subscriberClient{
		provider: provider,
		executor: exec,
		options:  *options,
		active:   make(map[subscriptionKey]*StreamingPullFuture),
	}
	if exec == nil {
		c.owned = executor.NewPool(&executor.PoolOptions{
			Workers: executor.DefaultPoolOptions().Workers,
			Metrics: options.Metrics,
		})
		c.executor = c.owned
	}
	return c
}

func (c *subscriberClient) Subscribe(ctx context.Context, subscription SubscriptionPath, partition int, callback MessageCallback) (*StreamingPullFuture, error) {
	key := subscriptionKey{subscription: subscription.String(), partition: partition}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, "subscriber client closed")
	}
	if _, ok := c.active[key]; ok {
		c.mu.Unlock()
		return nil, status.Error(codes.AlreadyExists, fmt.Sprintf("%s partition %d is already subscribed", key.subscription, partition))
	}
	underlying := subscriber.NewPartitionSubscriber(c.provider, subscriber.PartitionSubscriberOptions{
		Subscription: subscription,
		Partition:    partition,
		Offset:       c.options.Offset,
	})
	manager := subscriber.NewCallbackSubscriber(underlying, callback, c.executor, &subscriber.CallbackSubscriberOptions{
		Name:    fmt.Sprintf("%s/%d", subscription.Name, partition),
		Metrics: c.options.Metrics,
	})
	future := subscriber.NewStreamingPullFuture(manager)
	c.active[key] = future
	c.mu.Unlock()

	if err := manager.Start(ctx); err != nil {
		future.Cancel()
		c.forget(key, future)
		return nil, err
	}
	go func() {
		<-future.Done()
		c.forget(key, future)
	}()
	return future, nil
}

func (c *subscriberClient) forget(key subscriptionKey, future *StreamingPullFuture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[key] == future {
		delete(c.active, key)
	}
}

func (c *subscriberClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	running := make([]*StreamingPullFuture, 0, len(c.active))
	for _, future := range c.active {
		running = append(running, future)
	}
	c.mu.Unlock()

	for _, future := range running {
		future.Cancel()
	}
	if c.owned != nil {
		_ = c.owned.Shutdown(context.Background())
	}
}
