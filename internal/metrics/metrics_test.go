package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("should accept a nil receiver", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.Dispatched()
			m.Panicked()
			m.Closed(nil)
			m.Published(3)
			m.Served(3)
			m.StreamOpened("subscribe")()
		})
	})

	t.Run("should count closes by outcome", func(t *testing.T) {
		// Arrange
		m := New()

		// Act
		m.Closed(nil)
		m.Closed(errors.New("boom"))
		m.Closed(errors.New("boom"))

		// Assert
		assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriberCloses.WithLabelValues("clean")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.SubscriberCloses.WithLabelValues("failed")))
	})

	t.Run("should track open streams", func(t *testing.T) {
		// Arrange
		m := New()

		// Act
		done := m.StreamOpened("publish")
		open := testutil.ToFloat64(m.ActiveStreams.WithLabelValues("publish"))
		done()

		// Assert
		assert.Equal(t, 1.0, open)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("publish")))
	})

	t.Run("should serve the registry", func(t *testing.T) {
		// Arrange
		m := New()
		m.Dispatched()
		rec := httptest.NewRecorder()

		// Act
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		// Assert
		assert.True(t, strings.Contains(rec.Body.String(), "pubsublite_messages_dispatched_total 1"))
	})
}
