package grpckit

import (
	"log/slog"

	"github.com/fgrzl/json/polymorphic"
	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/wire"
	"google.golang.org/grpc"
)

// RegisterStreamServer serves handler on s. An error returned by the handler
// becomes the stream's status.
func RegisterStreamServer(s grpc.ServiceRegistrar, handler api.StreamHandler) {
	s.RegisterService(&ServiceDesc, handler)
}

func serve(handler api.StreamHandler, method api.Method, stream grpc.ServerStream) error {
	ctx := stream.Context()
	slog.DebugContext(ctx, "grpckit: stream opened", slog.String("method", string(method)))
	if err := handler.Handle(ctx, method, &serverStream{stream: stream}); err != nil {
		slog.DebugContext(ctx, "grpckit: stream failed", slog.String("method", string(method)), "error", err)
		return wire.AdaptError(err)
	}
	return nil
}

type serverStream struct {
	stream grpc.ServerStream
}

func (s *serverStream) Send(msg api.Routeable) error {
	return s.stream.SendMsg(polymorphic.NewEnvelope(msg))
}

func (s *serverStream) Recv() (api.Routeable, error) {
	return recv(s.stream)
}

// CloseSend is a no-op: the server's side closes when the handler returns.
func (s *serverStream) CloseSend() error {
	return nil
}
