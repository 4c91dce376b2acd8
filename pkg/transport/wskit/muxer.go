package wskit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/wire"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MuxerMsg represents a framed message sent over the multiplexed WebSocket.
// Each message is scoped to a specific logical channel by ChannelID. The
// first frame of a channel names its Method; Close ends the sender's half,
// with Error set when the channel failed.
type MuxerMsg struct {
	ChannelID uuid.UUID       `json:"channel_id"`
	Method    api.Method      `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Close     bool            `json:"close,omitempty"`
	Error     *ErrorFrame     `json:"error,omitempty"`
}

// ErrorFrame carries a status error across the connection.
type ErrorFrame struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message"`
}

func newErrorFrame(err error) *ErrorFrame {
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	return &ErrorFrame{Code: st.Code(), Message: st.Message()}
}

func (f *ErrorFrame) Err() error {
	return status.Error(f.Code, f.Message)
}

// WebSocketMuxer multiplexes multiple logical bidirectional streams over a single WebSocket connection.
// Each logical stream is identified by a ChannelID.
type WebSocketMuxer struct {
	ctx        context.Context
	cancel     context.CancelFunc
	name       string
	conn       *websocket.Conn
	channels   map[uuid.UUID]*MuxerBidiStream
	channelsMu sync.RWMutex
	writeMu    sync.Mutex
	done       chan struct{}
	handler    api.StreamHandler
	err        error
}

// NewClientWebSocketMuxer will spawn a read loop as a go routine and returns the *WebSocketMuxer
func NewClientWebSocketMuxer(ctx context.Context, conn *websocket.Conn) *WebSocketMuxer {
	m := newWebSocketMuxer(ctx, "client", conn, nil)
	go m.readLoop()
	return m
}

// NewServerWebSocketMuxer runs a blocking read loop that hands every channel
// the client opens to handler, keeping the websocket connection open until
// the client goes away.
func NewServerWebSocketMuxer(ctx context.Context, handler api.StreamHandler, conn *websocket.Conn) {
	m := newWebSocketMuxer(ctx, "server", conn, handler)
	m.readLoop()
}

func newWebSocketMuxer(ctx context.Context, name string, conn *websocket.Conn, handler api.StreamHandler) *WebSocketMuxer {
	ctx, cancel := context.WithCancel(ctx)
	return &WebSocketMuxer{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		conn:     conn,
		handler:  handler,
		channels: make(map[uuid.UUID]*MuxerBidiStream),
		done:     make(chan struct{}),
	}
}

// Done is closed once the connection is gone.
func (m *WebSocketMuxer) Done() <-chan struct{} {
	return m.done
}

// Err reports why the connection ended.
func (m *WebSocketMuxer) Err() error {
	<-m.done
	return m.err
}

// Close tears the connection down, failing every open channel.
func (m *WebSocketMuxer) Close() error {
	m.cancel()
	return m.conn.Close()
}

// Open starts a new channel for method. The channel ends when ctx does.
func (m *WebSocketMuxer) Open(ctx context.Context, method api.Method) (api.BidiStream, error) {
	select {
	case <-m.done:
		return nil, m.err
	default:
	}
	channelID := uuid.New()
	stream := m.register(ctx, channelID)
	if err := m.write(&MuxerMsg{ChannelID: channelID, Method: method}); err != nil {
		stream.finish(err)
		return nil, err
	}
	return stream, nil
}

func (m *WebSocketMuxer) write(msg *MuxerMsg) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := websocket.JSON.Send(m.conn, msg); err != nil {
		return status.Error(codes.Unavailable, fmt.Sprintf("websocket send: %v", err))
	}
	return nil
}

// register creates and tracks a new stream for the given ChannelID.
func (m *WebSocketMuxer) register(ctx context.Context, channelID uuid.UUID) *MuxerBidiStream {
	cleanup := func() {
		m.channelsMu.Lock()
		defer m.channelsMu.Unlock()
		delete(m.channels, channelID)
		slog.Debug("muxer: stream unregistered", slog.String("muxer", m.name), slog.String("channel_id", channelID.String()))
	}

	bidi := newMuxerBidiStream(ctx, channelID, m.write, cleanup)

	m.channelsMu.Lock()
	m.channels[channelID] = bidi
	m.channelsMu.Unlock()

	slog.Debug("muxer: stream registered", slog.String("muxer", m.name), slog.String("channel_id", channelID.String()))
	return bidi
}

// readLoop continuously receives messages from the WebSocket, routes them to
// the appropriate stream and, on the server, starts a handler for every
// channel the client opens.
func (m *WebSocketMuxer) readLoop() {
	defer m.shutdown()
	go func() {
		<-m.ctx.Done()
		_ = m.conn.Close()
	}()

	for {
		var msg MuxerMsg
		if err := websocket.JSON.Receive(m.conn, &msg); err != nil {
			if m.ctx.Err() == nil {
				slog.Warn("muxer: websocket receive error", slog.String("muxer", m.name), slog.String("error", err.Error()))
			}
			m.err = status.Error(codes.Unavailable, fmt.Sprintf("websocket closed: %v", err))
			return
		}

		m.channelsMu.RLock()
		bidi, exists := m.channels[msg.ChannelID]
		m.channelsMu.RUnlock()

		if !exists {
			if m.handler == nil || msg.Method == "" {
				slog.Debug("muxer: dropped message for unknown stream", slog.String("muxer", m.name), slog.String("channel_id", msg.ChannelID.String()))
				continue
			}
			m.accept(msg.ChannelID, msg.Method)
			continue
		}

		bidi.deliver(&msg)
	}
}

func (m *WebSocketMuxer) accept(channelID uuid.UUID, method api.Method) {
	bidi := m.register(m.ctx, channelID)
	go func() {
		ctx := bidi.Context()
		err := m.handler.Handle(ctx, method, bidi)
		if err != nil {
			slog.DebugContext(ctx, "muxer: stream failed", slog.String("channel_id", channelID.String()), slog.String("method", string(method)), "error", err)
			err = wire.AdaptError(err)
		}
		bidi.Close(err)
	}()
}

// shutdown fails the channels still open once the connection is gone.
func (m *WebSocketMuxer) shutdown() {
	m.cancel()
	m.channelsMu.RLock()
	open := make([]*MuxerBidiStream, 0, len(m.channels))
	for _, bidi := range m.channels {
		open = append(open, bidi)
	}
	m.channelsMu.RUnlock()

	for _, bidi := range open {
		_ = bidi.inbound.Put(inbound{err: m.err})
		bidi.finish(m.err)
	}
	close(m.done)
	slog.Debug("muxer: closed", slog.String("muxer", m.name))
}
