package publisher

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Options struct {
	// Partitions is the partition count of every topic published to.
	Partitions int
	// ClientID identifies this publisher to the service; generated when empty.
	ClientID string
	Metrics  *metrics.Metrics
}

func DefaultOptions() *Options {
	return &Options{Partitions: 1}
}

type partitionKey struct {
	topic     string
	partition int
}

// slot holds a partition publisher while it is being opened. ready is closed
// once pub or err is set.
type slot struct {
	ready chan struct{}
	pub   *PartitionPublisher
	err   error
	// retry marks a failure caused by the opener's own context.
	retry bool
}

// AsyncPublisher routes messages to per-partition publishers, opened lazily on
// first use. Messages with an ordering key always go to the same partition;
// messages without one are spread round robin. Any publish failure is
// permanent for the whole publisher.
type AsyncPublisher struct {
	provider api.BidiStreamProvider
	options  Options

	mu         sync.Mutex
	publishers map[partitionKey]*slot
	closed     bool
	failure    error
	next       atomic.Uint64
}

func NewAsyncPublisher(provider api.BidiStreamProvider, options *Options) *AsyncPublisher {
	if options == nil {
		options = DefaultOptions()
	}
	opts := *options
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	return &AsyncPublisher{
		provider:   provider,
		options:    opts,
		publishers: make(map[partitionKey]*slot),
	}
}

// Publish sends one message and returns its ack id, an encoded
// api.PublishMetadata.
func (p *AsyncPublisher) Publish(ctx context.Context, topic api.TopicPath, data []byte, orderingKey string, attrs map[string]string) (string, error) {
	partition := p.route(orderingKey)
	pub, err := p.publisher(ctx, topic, partition)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", p.fail(err)
	}

	msg := &api.PubSubMessage{Data: data}
	if orderingKey != "" {
		msg.Key = []byte(orderingKey)
	}
	if len(attrs) > 0 {
		msg.Attributes = make(map[string][]string, len(attrs))
		for k, v := range attrs {
			msg.Attributes[k] = []string{v}
		}
	}

	cursor, err := pub.Publish(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned by the caller; the stream is reopened on next use.
			p.evict(pub)
			return "", ctx.Err()
		}
		return "", p.fail(err)
	}
	p.options.Metrics.Published(1)
	return api.PublishMetadata{Partition: partition, Cursor: cursor}.Encode(), nil
}

func (p *AsyncPublisher) route(orderingKey string) int {
	if orderingKey == "" {
		return int(p.next.Add(1)-1) % p.options.Partitions
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(orderingKey))
	return int(h.Sum64() % uint64(p.options.Partitions))
}

// publisher returns the open publisher for the partition, dialing it first if
// needed. The dial runs outside the lock; concurrent callers for the same
// partition wait for it.
func (p *AsyncPublisher) publisher(ctx context.Context, topic api.TopicPath, partition int) (*PartitionPublisher, error) {
	key := partitionKey{topic: topic.String(), partition: partition}
	for {
		p.mu.Lock()
		if failure, closed := p.failure, p.closed; failure != nil || closed {
			p.mu.Unlock()
			if failure != nil {
				return nil, failure
			}
			return nil, errPublisherClosed()
		}
		s, ok := p.publishers[key]
		if !ok {
			s = &slot{ready: make(chan struct{})}
			p.publishers[key] = s
			p.mu.Unlock()
			return p.open(ctx, key, s, topic, partition)
		}
		p.mu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err == nil {
			return s.pub, nil
		}
		if !s.retry {
			return nil, s.err
		}
	}
}

func (p *AsyncPublisher) open(ctx context.Context, key partitionKey, s *slot, topic api.TopicPath, partition int) (*PartitionPublisher, error) {
	pub, err := OpenPartitionPublisher(ctx, p.provider, topic, partition, p.options.ClientID)

	p.mu.Lock()
	switch {
	case err != nil:
		s.err, s.retry = err, ctx.Err() != nil
	case p.closed:
		s.err = errPublisherClosed()
	default:
		s.pub = pub
	}
	if s.err != nil && p.publishers[key] == s {
		delete(p.publishers, key)
	}
	close(s.ready)
	p.mu.Unlock()

	if s.err != nil {
		if pub != nil {
			pub.Close()
		}
		return nil, s.err
	}
	return pub, nil
}

func (p *AsyncPublisher) evict(pub *PartitionPublisher) {
	p.mu.Lock()
	for key, s := range p.publishers {
		if s.pub == pub {
			delete(p.publishers, key)
		}
	}
	p.mu.Unlock()
	pub.Close()
}

func (p *AsyncPublisher) fail(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure == nil {
		p.failure = err
	}
	return p.failure
}

// Close releases every partition stream. Later publishes fail, and streams
// still being opened are closed once their dial completes.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	slots := p.publishers
	p.publishers = make(map[partitionKey]*slot)
	p.closed = true
	var open []*PartitionPublisher
	for _, s := range slots {
		if s.pub != nil {
			open = append(open, s.pub)
		}
	}
	p.mu.Unlock()

	for _, pub := range open {
		pub.Close()
	}
}

func errPublisherClosed() error {
	return status.Error(codes.FailedPrecondition, "publisher closed")
}
