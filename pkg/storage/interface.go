package storage

import (
	"context"
	"errors"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pubsublite/pkg/api"
)

// ErrNotFound is returned when no committed cursor exists.
var ErrNotFound = errors.New("storage: not found")

// StoreFactory defines how to create new storage instances by name.
type StoreFactory interface {
	NewStore(ctx context.Context, name string) (Store, error)
}

// Store is a partitioned message log plus the committed cursors of its
// subscriptions. Offsets of a partition start at zero and have no gaps.
type Store interface {
	// Append assigns consecutive offsets to msgs and returns the cursor of the first.
	Append(ctx context.Context, topic string, partition int, msgs []*api.PubSubMessage) (api.Cursor, error)
	// Read enumerates stored messages of a partition from offset onwards.
	Read(ctx context.Context, topic string, partition int, from int64) enumerators.Enumerator[*api.SequencedMessage]
	// Head returns the offset the next appended message will receive.
	Head(ctx context.Context, topic string, partition int) (int64, error)
	CommitCursor(ctx context.Context, subscription string, partition int, cursor api.Cursor) error
	CommittedCursor(ctx context.Context, subscription string, partition int) (api.Cursor, error)
	Close()
}

// SizeOf estimates the stored size of msg.
func SizeOf(msg *api.PubSubMessage) int64 {
	size := int64(len(msg.Key) + len(msg.Data))
	for k, values := range msg.Attributes {
		size += int64(len(k))
		for _, v := range values {
			size += int64(len(v))
		}
	}
	return size
}
