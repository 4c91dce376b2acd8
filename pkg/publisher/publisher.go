package publisher

import (
	"context"

	"github.com/fgrzl/pubsublite/internal/loop"
	"github.com/fgrzl/pubsublite/pkg/api"
)

// Publisher is the blocking-caller facade over AsyncPublisher: publishes run
// on a dedicated loop and complete through futures.
type Publisher struct {
	async *AsyncPublisher
	loop  *loop.Loop
}

func NewPublisher(provider api.BidiStreamProvider, options *Options) *Publisher {
	p := &Publisher{
		async: NewAsyncPublisher(provider, options),
		loop:  loop.New("publisher"),
	}
	p.loop.Start()
	return p
}

// Publish schedules one message; the future yields its ack id.
func (p *Publisher) Publish(topic api.TopicPath, data []byte, orderingKey string, attrs map[string]string) *loop.Future[string] {
	return loop.Submit(p.loop, func(ctx context.Context) (string, error) {
		return p.async.Publish(ctx, topic, data, orderingKey, attrs)
	})
}

// Close cancels outstanding publishes and releases every stream.
func (p *Publisher) Close() {
	p.loop.Stop()
	p.async.Close()
}
