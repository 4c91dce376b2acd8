package pubsublite

import (
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/executor"
)

// Client bundles a publisher and a subscriber sharing one provider.
type Client interface {
	Publisher() AsyncPublisherClient
	Subscriber() SubscriberClient
	Close()
}

type ClientOptions struct {
	Publisher  *PublisherOptions
	Subscriber *SubscriberClientOptions
}

type client struct {
	publisher  AsyncPublisherClient
	subscriber SubscriberClient
}

func NewClient(provider api.BidiStreamProvider, exec executor.Executor, options *ClientOptions) Client {
	if options == nil {
		options = &ClientOptions{}
	}
	return &client{
		publisher:  NewAsyncPublisherClient(provider, options.Publisher),
		subscriber: NewSubscriberClient(provider, exec, options.Subscriber),
	}
}

func (c *client) Publisher() AsyncPublisherClient { return c.publisher }

func (c *client) Subscriber() SubscriberClient { return c.subscriber }

func (c *client) Close() {
	c.subscriber.Close()
	c.publisher.Close()
}

// ProjectClientPool keeps one Client per project, each over the provider the
// factory returns for it, such as a websocket provider holding a token scoped
// to that project.
type ProjectClientPool struct {
	mu       sync.RWMutex
	clients  map[string]Client
	factory  func(project string) api.BidiStreamProvider
	executor executor.Executor
	options  *ClientOptions
}

func NewProjectClientPool(factory func(project string) api.BidiStreamProvider, exec executor.Executor, options *ClientOptions) *ProjectClientPool {
	return &ProjectClientPool{
		clients:  make(map[string]Client),
		factory:  factory,
		executor: exec,
		options:  options,
	}
}

func (p *ProjectClientPool) GetClient(project string) Client {
	p.mu.RLock()
	c, ok := p.clients[project]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check in case it was created between locks
	if c, ok := p.clients[project]; ok {
		return c
	}

	c = NewClient(p.factory(project), p.executor, p.options)
	p.clients[project] = c
	return c
}

func (p *ProjectClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for project, c := range p.clients {
		c.Close()
		delete(p.clients, project)
	}
}
