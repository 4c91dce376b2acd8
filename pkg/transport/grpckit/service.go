// Package grpckit carries pubsublite streams over gRPC without generated
// code: frames are polymorphic JSON envelopes and the service descriptor is
// declared by hand.
package grpckit

import (
	"fmt"

	"github.com/fgrzl/pubsublite/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "pubsublite.v1.StreamService"

var methods = map[api.Method]string{
	api.MethodSubscribe: "Subscribe",
	api.MethodPublish:   "Publish",
}

// ServiceDesc declares one bidi streaming RPC per api.Method.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*api.StreamHandler)(nil),
	Streams: []grpc.StreamDesc{
		streamDesc(api.MethodSubscribe),
		streamDesc(api.MethodPublish),
	},
	Metadata: "pubsublite/v1/stream.json",
}

func streamDesc(method api.Method) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: methods[method],
		Handler: func(srv any, stream grpc.ServerStream) error {
			return serve(srv.(api.StreamHandler), method, stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}
}

func fullMethod(method api.Method) (string, *grpc.StreamDesc, error) {
	for i := range ServiceDesc.Streams {
		desc := &ServiceDesc.Streams[i]
		if desc.StreamName == methods[method] {
			return fmt.Sprintf("/%s/%s", ServiceName, desc.StreamName), desc, nil
		}
	}
	return "", nil, status.Error(codes.Unimplemented, fmt.Sprintf("unknown method %q", method))
}
