package wskit

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/auth/jwtkit"
	"golang.org/x/net/websocket"
)

// NewWebSocketServer accepts WebSocket connections carrying a bearer token
// that validator accepts and serves their channels with handler. Each
// channel's context carries the connection's MuxerSession; pair the handler
// with Authorize to enforce it.
func NewWebSocketServer(handler api.StreamHandler, validator jwtkit.Validator) http.Handler {
	return &webSocketServer{
		handler:   handler,
		validator: validator,
	}
}

type webSocketServer struct {
	handler   api.StreamHandler
	validator jwtkit.Validator
}

func (s *webSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	raw, err := s.validator.Validate(token)
	if err != nil {
		slog.DebugContext(r.Context(), "wskit: rejected token", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	session, err := NewServerMuxerSession(jwtkit.NewClaimsPrincipal(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	handler := &webSocketHandler{
		session: session,
		handler: s.handler,
	}

	websocket.Handler(handler.handle).ServeHTTP(w, r)
}

type webSocketHandler struct {
	session MuxerSession
	handler api.StreamHandler
}

func (h *webSocketHandler) handle(conn *websocket.Conn) {
	ctx := WithSession(conn.Request().Context(), h.session)
	NewServerWebSocketMuxer(ctx, h.handler, conn)
}
