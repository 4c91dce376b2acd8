package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NodeManager routes every stream to the node of the project it names,
// creating one store per project on first use.
type NodeManager interface {
	api.StreamHandler
	GetOrCreate(ctx context.Context, store string) (Node, error)
	Remove(ctx context.Context, store string)
	Close()
}

type NodeManagerOptions struct {
	Subscriptions map[string]string
	// Authorize, when set, is asked before a stream may touch a project.
	Authorize func(ctx context.Context, project string) error
	Metrics   *metrics.Metrics
}

type nodeManager struct {
	mu        sync.RWMutex
	factory   storage.StoreFactory
	options   *NodeManagerOptions
	nodes     map[string]Node
	closeOnce sync.Once
}

func NewNodeManager(factory storage.StoreFactory, options *NodeManagerOptions) NodeManager {
	if options == nil {
		options = &NodeManagerOptions{}
	}
	return &nodeManager{
		factory: factory,
		options: options,
		nodes:   make(map[string]Node),
	}
}

func (m *nodeManager) GetOrCreate(ctx context.Context, store string) (Node, error) {
	m.mu.RLock()
	n, ok := m.nodes[store]
	m.mu.RUnlock()
	if ok {
		return n, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock.
	if n, ok := m.nodes[store]; ok {
		return n, nil
	}

	s, err := m.factory.NewStore(ctx, store)
	if err != nil {
		return nil, err
	}
	n = NewNode(s, &NodeOptions{Subscriptions: m.options.Subscriptions, Metrics: m.options.Metrics})
	m.nodes[store] = n
	return n, nil
}

func (m *nodeManager) Remove(ctx context.Context, store string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n, ok := m.nodes[store]; ok {
		n.Close()
		delete(m.nodes, store)
	}
}

func (m *nodeManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, n := range m.nodes {
			n.Close()
		}
		m.nodes = make(map[string]Node)
	})
}

// Handle reads the initial request to find the project, then hands the whole
// stream, initial request included, to that project's node.
func (m *nodeManager) Handle(ctx context.Context, method api.Method, stream api.BidiStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	project, err := m.projectOf(first)
	if err != nil {
		return err
	}
	if m.options.Authorize != nil {
		if err := m.options.Authorize(ctx, project); err != nil {
			return err
		}
	}
	n, err := m.GetOrCreate(ctx, project)
	if err != nil {
		return status.Error(codes.Unavailable, fmt.Sprintf("open store %q: %v", project, err))
	}
	return n.Handle(ctx, method, &replayStream{BidiStream: stream, first: first})
}

// projectOf names the project whose store holds the topic the stream reads
// or writes.
func (m *nodeManager) projectOf(first api.Routeable) (string, error) {
	switch req := first.(type) {
	case *api.InitialSubscribeRequest:
		if topic, ok := m.options.Subscriptions[req.Subscription]; ok {
			path, err := api.ParseTopicPath(topic)
			if err != nil {
				return "", status.Error(codes.FailedPrecondition, err.Error())
			}
			return path.Project, nil
		}
		path, err := api.ParseSubscriptionPath(req.Subscription)
		if err != nil {
			return "", status.Error(codes.InvalidArgument, err.Error())
		}
		return path.Project, nil
	case *api.InitialPublishRequest:
		path, err := api.ParseTopicPath(req.Topic)
		if err != nil {
			return "", status.Error(codes.InvalidArgument, err.Error())
		}
		return path.Project, nil
	default:
		return "", status.Error(codes.InvalidArgument, fmt.Sprintf("invalid initial request msg type: %T", first))
	}
}

// replayStream returns first from its first Recv.
type replayStream struct {
	api.BidiStream
	first api.Routeable
}

func (s *replayStream) Recv() (api.Routeable, error) {
	if s.first != nil {
		first := s.first
		s.first = nil
		return first, nil
	}
	return s.BidiStream.Recv()
}
