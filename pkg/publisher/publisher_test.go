package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/transport/inproc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testTopic = api.TopicPath{Project: "p", Location: "l", Name: "t"}

// fakeLog assigns consecutive offsets per partition and remembers messages.
type fakeLog struct {
	mu       sync.Mutex
	next     map[int]int64
	messages map[int][]*api.PubSubMessage
	opens    int
	reject   error
	// hold delays the handshake of a partition until its channel is closed.
	hold map[int]chan struct{}
}

func newFakeLog() *fakeLog {
	return &fakeLog{next: map[int]int64{}, messages: map[int][]*api.PubSubMessage{}}
}

func (l *fakeLog) Handle(ctx context.Context, method api.Method, stream api.BidiStream) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	init := first.(*api.InitialPublishRequest)
	l.mu.Lock()
	l.opens++
	hold := l.hold[init.Partition]
	l.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := stream.Send(&api.InitialPublishResponse{}); err != nil {
		return err
	}
	for {
		frame, err := stream.Recv()
		if err != nil {
			return err
		}
		req := frame.(*api.MessagePublishRequest)
		l.mu.Lock()
		if l.reject != nil {
			l.mu.Unlock()
			return l.reject
		}
		start := l.next[init.Partition]
		l.next[init.Partition] += int64(len(req.Messages))
		l.messages[init.Partition] = append(l.messages[init.Partition], req.Messages...)
		l.mu.Unlock()
		if err := stream.Send(&api.MessagePublishResponse{StartCursor: api.Cursor{Offset: start}}); err != nil {
			return err
		}
	}
}

func (l *fakeLog) openCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens
}

func (l *fakeLog) partition(p int) []*api.PubSubMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[p]
}

func TestPartitionPublisher(t *testing.T) {
	t.Run("should return consecutive cursors", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		pub, err := OpenPartitionPublisher(t.Context(), inproc.NewProvider(log), testTopic, 0, "c")
		require.NoError(t, err)
		defer pub.Close()

		// Act
		c1, err1 := pub.Publish(t.Context(), &api.PubSubMessage{Data: []byte("a")}, &api.PubSubMessage{Data: []byte("b")})
		c2, err2 := pub.Publish(t.Context(), &api.PubSubMessage{Data: []byte("c")})

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, api.Cursor{Offset: 0}, c1)
		assert.Equal(t, api.Cursor{Offset: 2}, c2)
	})

	t.Run("should fail permanently once the stream ends", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		log.reject = status.Error(codes.Internal, "down")
		pub, err := OpenPartitionPublisher(t.Context(), inproc.NewProvider(log), testTopic, 0, "c")
		require.NoError(t, err)
		defer pub.Close()

		// Act
		_, err1 := pub.Publish(t.Context(), &api.PubSubMessage{})
		_, err2 := pub.Publish(t.Context(), &api.PubSubMessage{})

		// Assert
		assert.Equal(t, codes.Internal, status.Code(err1))
		assert.Equal(t, err1, err2)
	})
}

func TestAsyncPublisher(t *testing.T) {
	t.Run("should keep an ordering key on one partition", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		pub := NewAsyncPublisher(inproc.NewProvider(log), &Options{Partitions: 4})
		defer pub.Close()

		// Act
		var ids []string
		for range 3 {
			id, err := pub.Publish(t.Context(), testTopic, []byte("x"), "key", map[string]string{"a": "1"})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		// Assert
		first, err := api.DecodePublishMetadata(ids[0])
		require.NoError(t, err)
		for i, id := range ids {
			meta, err := api.DecodePublishMetadata(id)
			require.NoError(t, err)
			assert.Equal(t, first.Partition, meta.Partition)
			assert.Equal(t, int64(i), meta.Cursor.Offset)
		}
		msgs := log.partition(first.Partition)
		require.Len(t, msgs, 3)
		assert.Equal(t, []byte("key"), msgs[0].Key)
		assert.Equal(t, map[string][]string{"a": {"1"}}, msgs[0].Attributes)
		assert.Equal(t, 1, log.openCount())
	})

	t.Run("should spread unkeyed messages round robin", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		pub := NewAsyncPublisher(inproc.NewProvider(log), &Options{Partitions: 3})
		defer pub.Close()

		// Act
		for range 6 {
			_, err := pub.Publish(t.Context(), testTopic, []byte("x"), "", nil)
			require.NoError(t, err)
		}

		// Assert
		for p := range 3 {
			assert.Len(t, log.partition(p), 2)
		}
	})

	t.Run("should publish to other partitions while one is opening", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		release := make(chan struct{})
		log.hold = map[int]chan struct{}{0: release}
		pub := NewAsyncPublisher(inproc.NewProvider(log), &Options{Partitions: 2})
		defer pub.Close()
		first := make(chan error, 1)
		go func() {
			_, err := pub.Publish(t.Context(), testTopic, []byte("a"), "", nil)
			first <- err
		}()
		require.Eventually(t, func() bool { return log.openCount() == 1 }, time.Second, time.Millisecond)

		// Act
		second := make(chan error, 1)
		go func() {
			_, err := pub.Publish(t.Context(), testTopic, []byte("b"), "", nil)
			second <- err
		}()

		// Assert
		select {
		case err := <-second:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("publish to an open partition waited for another partition's handshake")
		}
		assert.Len(t, log.partition(1), 1)
		close(release)
		require.NoError(t, <-first)
		assert.Len(t, log.partition(0), 1)
	})

	t.Run("should open a partition once for concurrent publishes", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		release := make(chan struct{})
		log.hold = map[int]chan struct{}{0: release}
		pub := NewAsyncPublisher(inproc.NewProvider(log), nil)
		defer pub.Close()
		errs := make(chan error, 3)

		// Act
		for range 3 {
			go func() {
				_, err := pub.Publish(t.Context(), testTopic, []byte("x"), "", nil)
				errs <- err
			}()
		}
		require.Eventually(t, func() bool { return log.openCount() == 1 }, time.Second, time.Millisecond)
		close(release)

		// Assert
		for range 3 {
			require.NoError(t, <-errs)
		}
		assert.Equal(t, 1, log.openCount())
		assert.Len(t, log.partition(0), 3)
	})

	t.Run("should let a waiting publish reopen after the opener gives up", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		release := make(chan struct{})
		log.hold = map[int]chan struct{}{0: release}
		pub := NewAsyncPublisher(inproc.NewProvider(log), nil)
		defer pub.Close()
		ctx, cancel := context.WithCancel(t.Context())
		first := make(chan error, 1)
		go func() {
			_, err := pub.Publish(ctx, testTopic, []byte("a"), "", nil)
			first <- err
		}()
		require.Eventually(t, func() bool { return log.openCount() == 1 }, time.Second, time.Millisecond)
		second := make(chan error, 1)
		go func() {
			_, err := pub.Publish(t.Context(), testTopic, []byte("b"), "", nil)
			second <- err
		}()

		// Act
		cancel()
		require.ErrorIs(t, <-first, context.Canceled)
		close(release)

		// Assert
		require.NoError(t, <-second)
		assert.Len(t, log.partition(0), 1)
	})

	t.Run("should reject publishes after close", func(t *testing.T) {
		pub := NewAsyncPublisher(inproc.NewProvider(newFakeLog()), nil)
		pub.Close()
		_, err := pub.Publish(t.Context(), testTopic, nil, "", nil)
		assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	})

	t.Run("should stay failed after a permanent error", func(t *testing.T) {
		// Arrange
		log := newFakeLog()
		log.reject = status.Error(codes.Internal, "down")
		pub := NewAsyncPublisher(inproc.NewProvider(log), nil)
		defer pub.Close()

		// Act
		_, err1 := pub.Publish(t.Context(), testTopic, nil, "", nil)
		_, err2 := pub.Publish(t.Context(), testTopic, nil, "", nil)

		// Assert
		assert.Error(t, err1)
		assert.Equal(t, err1, err2)
	})
}

func TestPublisher(t *testing.T) {
	t.Run("should complete futures with ack ids", func(t *testing.T) {
		// Arrange
		pub := NewPublisher(inproc.NewProvider(newFakeLog()), nil)
		defer pub.Close()

		// Act
		f1 := pub.Publish(testTopic, []byte("a"), "", nil)
		id1, err1 := f1.Wait()
		id2, err2 := pub.Publish(testTopic, []byte("b"), "", nil).Wait()

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, "0:0", id1)
		assert.Equal(t, "0:1", id2)
	})

	t.Run("should fail publishes after close", func(t *testing.T) {
		pub := NewPublisher(inproc.NewProvider(newFakeLog()), nil)
		pub.Close()
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()
		_, err := pub.Publish(testTopic, nil, "", nil).WaitContext(ctx)
		assert.Error(t, err)
	})
}
