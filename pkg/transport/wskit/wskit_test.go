package wskit

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/auth/jwtkit"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var secret = []byte("wskit-test-secret")

func token(t *testing.T, scopes string) string {
	t.Helper()
	signer := &jwtkit.HMAC256Signer{Secret: secret}
	tok, err := signer.CreateToken(jwt.MapClaims{"sub": "tester", "scopes": scopes}, time.Minute)
	require.NoError(t, err)
	return tok
}

func serve(t *testing.T, handler api.StreamHandler) string {
	t.Helper()
	server := httptest.NewServer(NewWebSocketServer(handler, &jwtkit.HMAC256Validator{Secret: secret}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newProvider(t *testing.T, addr, tok string) *WebSocketBidiStreamProvider {
	provider := NewBidiStreamProvider(addr, tok)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

// echo answers every subscribe request with the requested offset.
func echo(ctx context.Context, method api.Method, stream api.BidiStream) error {
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		req, ok := frame.(*api.InitialSubscribeRequest)
		if !ok {
			return status.Errorf(codes.InvalidArgument, "unexpected %T", frame)
		}
		if err := stream.Send(&api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: req.Offset}}); err != nil {
			return err
		}
	}
}

func TestWebSocketTransport(t *testing.T) {
	t.Run("should multiplex channels over one connection", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(echo)), token(t, ScopeAllProjects))
		a, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)
		b, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)

		// Act
		require.NoError(t, a.Send(&api.InitialSubscribeRequest{Offset: 1}))
		require.NoError(t, b.Send(&api.InitialSubscribeRequest{Offset: 2}))
		fromB, errB := b.Recv()
		fromA, errA := a.Recv()

		// Assert
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, &api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: 1}}, fromA)
		assert.Equal(t, &api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: 2}}, fromB)
	})

	t.Run("should end with EOF after a clean handler return", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(echo)), token(t, ScopeAllProjects))
		stream, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)

		// Act
		require.NoError(t, stream.CloseSend())
		_, err = stream.Recv()
		_, again := stream.Recv()

		// Assert
		assert.ErrorIs(t, err, io.EOF)
		assert.ErrorIs(t, again, io.EOF)
	})

	t.Run("should deliver frames sent before a handler error", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(func(ctx context.Context, method api.Method, stream api.BidiStream) error {
			if err := stream.Send(&api.CommitCursorResponse{}); err != nil {
				return err
			}
			return status.Error(codes.NotFound, "gone")
		})), token(t, ScopeAllProjects))
		stream, err := provider.CallStream(t.Context(), api.MethodPublish)
		require.NoError(t, err)

		// Act
		first, firstErr := stream.Recv()
		_, err = stream.Recv()

		// Assert
		require.NoError(t, firstErr)
		assert.Equal(t, &api.CommitCursorResponse{}, first)
		assert.Equal(t, codes.NotFound, status.Code(err))
		assert.Equal(t, "gone", status.Convert(err).Message())
	})

	t.Run("should cancel the handler when the client abandons the channel", func(t *testing.T) {
		// Arrange
		cancelled := make(chan struct{})
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(func(ctx context.Context, method api.Method, stream api.BidiStream) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		})), token(t, ScopeAllProjects))
		ctx, cancel := context.WithCancel(t.Context())
		stream, err := provider.CallStream(ctx, api.MethodSubscribe)
		require.NoError(t, err)

		// Act
		cancel()
		_, err = stream.Recv()

		// Assert
		assert.Equal(t, codes.Canceled, status.Code(err))
		select {
		case <-cancelled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler context not cancelled")
		}
	})

	t.Run("should scope streams to the token's projects", func(t *testing.T) {
		// Arrange
		results := make(chan error, 2)
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(func(ctx context.Context, method api.Method, stream api.BidiStream) error {
			results <- Authorize(ctx, "mine")
			results <- Authorize(ctx, "theirs")
			return nil
		})), token(t, ScopePrefix+"mine"))

		// Act
		stream, err := provider.CallStream(t.Context(), api.MethodPublish)
		require.NoError(t, err)
		_, _ = stream.Recv()

		// Assert
		assert.NoError(t, <-results)
		assert.Equal(t, codes.PermissionDenied, status.Code(<-results))
	})

	t.Run("should refuse connections without a valid token", func(t *testing.T) {
		addr := serve(t, api.StreamHandlerFunc(echo))

		_, err := newProvider(t, addr, "not-a-token").CallStream(t.Context(), api.MethodPublish)

		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("should refuse tokens without a pubsublite scope", func(t *testing.T) {
		addr := serve(t, api.StreamHandlerFunc(echo))

		_, err := newProvider(t, addr, token(t, "other::*")).CallStream(t.Context(), api.MethodPublish)

		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("should redial after the connection is dropped", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, serve(t, api.StreamHandlerFunc(echo)), token(t, ScopeAllProjects))
		_, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)
		first := provider.muxer
		require.NoError(t, first.Close())
		<-first.Done()

		// Act
		stream, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)
		require.NoError(t, stream.Send(&api.InitialSubscribeRequest{Offset: 3}))
		resp, err := stream.Recv()

		// Assert
		require.NoError(t, err)
		assert.Equal(t, &api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: 3}}, resp)
		assert.NotSame(t, first, provider.muxer)
	})
}

func TestMuxerSession(t *testing.T) {
	t.Run("should allow every project for the wildcard scope", func(t *testing.T) {
		session, err := NewServerMuxerSession(jwtkit.NewClaimsPrincipal(jwt.MapClaims{"scopes": ScopeAllProjects}))
		require.NoError(t, err)
		assert.True(t, session.AllowAllProjects())
		assert.True(t, session.CanAccessProject("anything"))
		assert.Nil(t, session.AllowedProjects())
	})

	t.Run("should list the scoped projects", func(t *testing.T) {
		session, err := NewServerMuxerSession(jwtkit.NewClaimsPrincipal(jwt.MapClaims{"scopes": "pubsublite::a"}))
		require.NoError(t, err)
		assert.False(t, session.AllowAllProjects())
		assert.Equal(t, []string{"a"}, session.AllowedProjects())
		assert.False(t, session.CanAccessProject("b"))
	})

	t.Run("should reject principals without a project scope", func(t *testing.T) {
		_, err := NewServerMuxerSession(jwtkit.NewClaimsPrincipal(jwt.MapClaims{"scopes": "pubsublite::"}))
		assert.Error(t, err)
	})

	t.Run("should allow streams without a session", func(t *testing.T) {
		assert.NoError(t, Authorize(t.Context(), "any"))
		assert.NoError(t, Authorize(WithSession(t.Context(), NewClientMuxerSession()), "any"))
	})
}
