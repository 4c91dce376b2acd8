package wskit

import (
	"context"
	"net/http"
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
	"golang.org/x/net/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WebSocketBidiStreamProvider multiplexes every stream over one WebSocket
// connection, redialing once the previous connection is gone.
type WebSocketBidiStreamProvider struct {
	addr   string
	origin string
	token  string

	mu    sync.Mutex
	muxer *WebSocketMuxer
}

// NewBidiStreamProvider creates a provider that dials addr with token as its
// bearer credential.
func NewBidiStreamProvider(addr, token string) *WebSocketBidiStreamProvider {
	return &WebSocketBidiStreamProvider{
		addr:   addr,
		origin: "http://localhost",
		token:  token,
	}
}

var _ api.BidiStreamProvider = (*WebSocketBidiStreamProvider)(nil)

// CallStream opens a muxed channel over the WebSocket for a single logical interaction.
func (p *WebSocketBidiStreamProvider) CallStream(ctx context.Context, method api.Method) (api.BidiStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	muxer, err := p.getOrCreateMuxer()
	if err != nil {
		return nil, err
	}
	return muxer.Open(ctx, method)
}

// Close drops the current connection; the next CallStream dials again.
func (p *WebSocketBidiStreamProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muxer == nil {
		return nil
	}
	err := p.muxer.Close()
	p.muxer = nil
	return err
}

// getOrCreateMuxer dials and initializes the WebSocket muxer if needed.
func (p *WebSocketBidiStreamProvider) getOrCreateMuxer() (*WebSocketMuxer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.muxer != nil {
		select {
		case <-p.muxer.Done():
		default:
			return p.muxer, nil
		}
	}

	conn, err := p.dial()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	muxer := NewClientWebSocketMuxer(context.Background(), conn)
	p.muxer = muxer
	return muxer, nil
}

// dial establishes the raw WebSocket connection with token-based auth.
func (p *WebSocketBidiStreamProvider) dial() (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(p.addr, p.origin)
	if err != nil {
		return nil, err
	}

	cfg.Header = http.Header{}
	cfg.Header.Set("Authorization", "Bearer "+p.token)

	return websocket.DialConfig(cfg)
}
