package grpckit

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func newProvider(t *testing.T, handler api.StreamHandler) api.BidiStreamProvider {
	t.Helper()
	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterStreamServer(server, handler)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return listener.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewBidiStreamProvider(conn)
}

// echo answers every subscribe request with the requested offset and every
// commit with a commit response.
func echo(ctx context.Context, method api.Method, stream api.BidiStream) error {
	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch req := frame.(type) {
		case *api.InitialSubscribeRequest:
			err = stream.Send(&api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: req.Offset}})
		case *api.CommitCursorRequest:
			err = stream.Send(&api.CommitCursorResponse{})
		default:
			return status.Errorf(codes.InvalidArgument, "unexpected %T in %s", frame, method)
		}
		if err != nil {
			return err
		}
	}
}

func TestGrpcTransport(t *testing.T) {
	t.Run("should carry frames both ways", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, api.StreamHandlerFunc(echo))
		stream, err := provider.CallStream(t.Context(), api.MethodSubscribe)
		require.NoError(t, err)

		// Act
		require.NoError(t, stream.Send(&api.InitialSubscribeRequest{Subscription: "s", Offset: 7}))
		first, err := stream.Recv()
		require.NoError(t, err)
		require.NoError(t, stream.Send(&api.CommitCursorRequest{Cursor: api.Cursor{Offset: 8}}))
		second, err := stream.Recv()
		require.NoError(t, err)

		// Assert
		assert.Equal(t, &api.InitialSubscribeResponse{Cursor: api.Cursor{Offset: 7}}, first)
		assert.Equal(t, &api.CommitCursorResponse{}, second)
	})

	t.Run("should end with EOF when the handler returns", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, api.StreamHandlerFunc(echo))
		stream, err := provider.CallStream(t.Context(), api.MethodPublish)
		require.NoError(t, err)

		// Act
		require.NoError(t, stream.CloseSend())
		_, err = stream.Recv()

		// Assert
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("should report the handler error as the stream status", func(t *testing.T) {
		// Arrange
		seen := make(chan api.Method, 1)
		provider := newProvider(t, api.StreamHandlerFunc(func(ctx context.Context, method api.Method, stream api.BidiStream) error {
			seen <- method
			return status.Error(codes.PermissionDenied, "no")
		}))
		stream, err := provider.CallStream(t.Context(), api.MethodPublish)
		require.NoError(t, err)

		// Act
		_, err = stream.Recv()

		// Assert
		assert.Equal(t, codes.PermissionDenied, status.Code(err))
		assert.Equal(t, api.MethodPublish, <-seen)
	})

	t.Run("should reject unknown methods", func(t *testing.T) {
		provider := newProvider(t, api.StreamHandlerFunc(echo))
		_, err := provider.CallStream(t.Context(), api.Method("seek"))
		assert.Equal(t, codes.Unimplemented, status.Code(err))
	})

	t.Run("should cancel the stream with its context", func(t *testing.T) {
		// Arrange
		provider := newProvider(t, api.StreamHandlerFunc(echo))
		ctx, cancel := context.WithCancel(t.Context())
		stream, err := provider.CallStream(ctx, api.MethodSubscribe)
		require.NoError(t, err)

		// Act
		cancel()
		_, err = stream.Recv()

		// Assert
		assert.Equal(t, codes.Canceled, status.Code(err))
	})
}

func TestCodec(t *testing.T) {
	t.Run("should be named after the content subtype", func(t *testing.T) {
		assert.Equal(t, "pubsublite-json", codec{}.Name())
	})

	t.Run("should wrap unmarshal failures", func(t *testing.T) {
		var v map[string]any
		err := codec{}.Unmarshal([]byte("{"), &v)
		assert.ErrorContains(t, err, "grpckit: unmarshal")
	})
}
