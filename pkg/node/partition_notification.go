package node

import (
	"fmt"
	"sync"

	"github.com/fgrzl/json/polymorphic"
)

func init() {
	polymorphic.Register(func() *PartitionNotification { return &PartitionNotification{} })
}

// PartitionNotification announces that a partition's head has moved.
type PartitionNotification struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Head      int64  `json:"head"`
}

func (obj *PartitionNotification) GetDiscriminator() string {
	return "pubsublite://api/v1/partition_notification"
}

func (obj *PartitionNotification) route() string {
	return partitionRoute(obj.Topic, obj.Partition)
}

func partitionRoute(topic string, partition int) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

// notifier wakes tailing subscribers. Watch returns a channel that is closed
// by the next Notify for that partition.
type notifier struct {
	mu     sync.Mutex
	routes map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{routes: make(map[string]chan struct{})}
}

func (n *notifier) Watch(topic string, partition int) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	route := partitionRoute(topic, partition)
	ch, ok := n.routes[route]
	if !ok {
		ch = make(chan struct{})
		n.routes[route] = ch
	}
	return ch
}

func (n *notifier) Notify(notification *PartitionNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	route := notification.route()
	if ch, ok := n.routes[route]; ok {
		close(ch)
		delete(n.routes, route)
	}
}
