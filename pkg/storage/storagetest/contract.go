// Package storagetest holds the behaviour every storage.Store must show,
// run against each backend from that backend's tests.
package storagetest

import (
	"fmt"
	"testing"

	"github.com/fgrzl/enumerators"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Messages(prefix string, n int) []*api.PubSubMessage {
	msgs := make([]*api.PubSubMessage, n)
	for i := range msgs {
		msgs[i] = &api.PubSubMessage{
			Key:        []byte("key"),
			Data:       fmt.Appendf(nil, "%s-%d", prefix, i),
			Attributes: map[string][]string{"index": {fmt.Sprint(i)}},
		}
	}
	return msgs
}

func data(msgs []*api.SequencedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Message.Data)
	}
	return out
}

// Run exercises store. Topic and subscription names are unique per subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("should assign consecutive offsets", func(t *testing.T) {
		// Arrange
		ctx := t.Context()
		store := newStore(t)

		// Act
		c1, err1 := store.Append(ctx, "offsets", 0, Messages("a", 3))
		c2, err2 := store.Append(ctx, "offsets", 0, Messages("b", 2))
		head, err3 := store.Head(ctx, "offsets", 0)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.NoError(t, err3)
		assert.Equal(t, api.Cursor{Offset: 0}, c1)
		assert.Equal(t, api.Cursor{Offset: 3}, c2)
		assert.Equal(t, int64(5), head)
	})

	t.Run("should read from an offset in order", func(t *testing.T) {
		// Arrange
		ctx := t.Context()
		store := newStore(t)
		_, err := store.Append(ctx, "read", 1, Messages("m", 5))
		require.NoError(t, err)

		// Act
		msgs, err := enumerators.ToSlice(store.Read(ctx, "read", 1, 2))

		// Assert
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, []string{"m-2", "m-3", "m-4"}, data(msgs))
		assert.Equal(t, int64(2), msgs[0].Cursor.Offset)
		assert.Equal(t, map[string][]string{"index": {"2"}}, msgs[0].Message.Attributes)
		assert.Positive(t, msgs[0].PublishTime)
		assert.Positive(t, msgs[0].SizeBytes)
	})

	t.Run("should keep partitions and topics apart", func(t *testing.T) {
		// Arrange
		ctx := t.Context()
		store := newStore(t)
		_, err := store.Append(ctx, "apart", 0, Messages("p0", 2))
		require.NoError(t, err)
		_, err = store.Append(ctx, "apart", 1, Messages("p1", 1))
		require.NoError(t, err)
		_, err = store.Append(ctx, "apart2", 0, Messages("other", 4))
		require.NoError(t, err)

		// Act
		p0, err0 := enumerators.ToSlice(store.Read(ctx, "apart", 0, 0))
		p1, err1 := enumerators.ToSlice(store.Read(ctx, "apart", 1, 0))

		// Assert
		require.NoError(t, err0)
		require.NoError(t, err1)
		assert.Equal(t, []string{"p0-0", "p0-1"}, data(p0))
		assert.Equal(t, []string{"p1-0"}, data(p1))
	})

	t.Run("should report an empty partition", func(t *testing.T) {
		ctx := t.Context()
		store := newStore(t)

		head, err := store.Head(ctx, "empty", 0)
		require.NoError(t, err)
		assert.Zero(t, head)

		msgs, err := enumerators.ToSlice(store.Read(ctx, "empty", 0, 0))
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should store committed cursors", func(t *testing.T) {
		// Arrange
		ctx := t.Context()
		store := newStore(t)
		_, err := store.CommittedCursor(ctx, "sub", 0)
		require.ErrorIs(t, err, storage.ErrNotFound)

		// Act
		require.NoError(t, store.CommitCursor(ctx, "sub", 0, api.Cursor{Offset: 4}))
		require.NoError(t, store.CommitCursor(ctx, "sub", 0, api.Cursor{Offset: 9}))
		got, err := store.CommittedCursor(ctx, "sub", 0)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, api.Cursor{Offset: 9}, got)
		_, err = store.CommittedCursor(ctx, "sub", 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
