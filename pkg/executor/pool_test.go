package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgrzl/pubsublite/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	t.Run("should run every submitted task", func(t *testing.T) {
		// Arrange
		pool := NewPool(&PoolOptions{Workers: 4})
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(100)

		// Act
		for range 100 {
			require.NoError(t, pool.Submit(func() {
				defer wg.Done()
				count.Add(1)
			}))
		}
		wg.Wait()

		// Assert
		assert.Equal(t, int32(100), count.Load())
		assert.NoError(t, pool.Shutdown(t.Context()))
	})

	t.Run("should not block submit when every worker is busy", func(t *testing.T) {
		// Arrange
		pool := NewPool(&PoolOptions{Workers: 1})
		release := make(chan struct{})
		require.NoError(t, pool.Submit(func() { <-release }))

		// Act
		start := time.Now()
		for range 1000 {
			require.NoError(t, pool.Submit(func() {}))
		}
		elapsed := time.Since(start)

		// Assert
		assert.Less(t, elapsed, time.Second)
		close(release)
		assert.NoError(t, pool.Shutdown(t.Context()))
	})

	t.Run("should survive panicking tasks", func(t *testing.T) {
		// Arrange
		m := metrics.New()
		pool := NewPool(&PoolOptions{Workers: 1, Metrics: m})
		ran := make(chan struct{})

		// Act
		require.NoError(t, pool.Submit(func() { panic("boom") }))
		require.NoError(t, pool.Submit(func() { close(ran) }))

		// Assert
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("worker did not survive the panic")
		}
		assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskPanics))
		assert.NoError(t, pool.Shutdown(t.Context()))
	})

	t.Run("should drain queued tasks on shutdown and reject new ones", func(t *testing.T) {
		// Arrange
		pool := NewPool(&PoolOptions{Workers: 1})
		var count atomic.Int32
		for range 10 {
			require.NoError(t, pool.Submit(func() {
				time.Sleep(time.Millisecond)
				count.Add(1)
			}))
		}

		// Act
		err := pool.Shutdown(t.Context())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(10), count.Load())
		assert.ErrorIs(t, pool.Submit(func() {}), ErrPoolClosed)
	})

	t.Run("should give up when the shutdown context ends", func(t *testing.T) {
		// Arrange
		pool := NewPool(&PoolOptions{Workers: 1})
		release := make(chan struct{})
		defer close(release)
		require.NoError(t, pool.Submit(func() { <-release }))
		require.NoError(t, pool.Submit(func() {}))
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()

		// Act
		err := pool.Shutdown(ctx)

		// Assert
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
