package grpckit

import (
	"context"
	"fmt"

	"github.com/fgrzl/json/polymorphic"
	"github.com/fgrzl/pubsublite/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type GrpcBidiStreamProvider struct {
	cc grpc.ClientConnInterface
}

// NewBidiStreamProvider opens streams on cc. The caller owns cc.
func NewBidiStreamProvider(cc grpc.ClientConnInterface) api.BidiStreamProvider {
	return &GrpcBidiStreamProvider{cc: cc}
}

func (p *GrpcBidiStreamProvider) CallStream(ctx context.Context, method api.Method) (api.BidiStream, error) {
	name, desc, err := fullMethod(method)
	if err != nil {
		return nil, err
	}
	stream, err := p.cc.NewStream(ctx, desc, name, grpc.CallContentSubtype(Name))
	if err != nil {
		return nil, err
	}
	return &clientStream{stream: stream}, nil
}

type clientStream struct {
	stream grpc.ClientStream
}

func (s *clientStream) Send(msg api.Routeable) error {
	return s.stream.SendMsg(polymorphic.NewEnvelope(msg))
}

func (s *clientStream) Recv() (api.Routeable, error) {
	return recv(s.stream)
}

func (s *clientStream) CloseSend() error {
	return s.stream.CloseSend()
}

type messageReceiver interface {
	RecvMsg(m any) error
}

func recv(stream messageReceiver) (api.Routeable, error) {
	envelope := &polymorphic.Envelope{}
	if err := stream.RecvMsg(envelope); err != nil {
		return nil, err
	}
	msg, ok := envelope.Content.(api.Routeable)
	if !ok {
		return nil, status.Error(codes.Internal, fmt.Sprintf("unexpected frame type %T", envelope.Content))
	}
	return msg, nil
}
