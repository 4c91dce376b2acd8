package wire

import (
	"context"
	"log/slog"

	"github.com/fgrzl/pubsublite/pkg/api"
)

// Dial opens a stream for method and binds it to a new Connection. A pump
// goroutine pulls queued writes and sends them; a send failure fails the
// connection. Closing the connection cancels the stream.
func Dial(ctx context.Context, provider api.BidiStreamProvider, method api.Method) (*Connection[api.Routeable, api.Routeable], error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := provider.CallStream(ctx, method)
	if err != nil {
		cancel()
		return nil, AdaptError(err)
	}
	return Bind(ctx, cancel, stream), nil
}

// Bind attaches an open stream to a new Connection. cancel releases the
// stream and is invoked by Connection.Close.
func Bind(ctx context.Context, cancel context.CancelFunc, stream api.BidiStream) *Connection[api.Routeable, api.Routeable] {
	conn := NewConnection[api.Routeable, api.Routeable]()
	conn.SetResponseSource(api.NewStreamEnumerator(stream))
	conn.onClose = func() {
		_ = stream.CloseSend()
		cancel()
	}
	conn.closeSend = stream.CloseSend
	go pump(ctx, conn, stream)
	return conn
}

func pump(ctx context.Context, conn *Connection[api.Routeable, api.Routeable], stream api.BidiStream) {
	for {
		msg, err := conn.Next(ctx)
		if err != nil {
			conn.Fail(err)
			return
		}
		if err := stream.Send(msg); err != nil {
			slog.DebugContext(ctx, "wire: send failed", "error", err)
			conn.Fail(err)
			return
		}
		conn.Sent()
	}
}
