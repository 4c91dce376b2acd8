package wire

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrStreamExhausted is reported when the response source ends without an error.
var ErrStreamExhausted = errors.New("wire: response stream exhausted")

// AdaptError converts a transport error into a gRPC status error. Status errors
// pass through unchanged.
func AdaptError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrStreamExhausted), errors.Is(err, io.EOF):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
