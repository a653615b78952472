package collaboration

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"instdocs/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Connections authenticate with login tokens, not cookies.
		return true
	},
}

// WebSocketHandler upgrades HTTP requests into branch service sessions.
type WebSocketHandler struct {
	hub *Hub
}

func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection serves /ws.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	if h.hub.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.WithError(err).Warn("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		return
	}

	s := newSession(h.hub, conn, r.RemoteAddr)
	select {
	case h.hub.register <- s:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}

	// The request context ends when this handler returns; the pumps run
	// under the hub's lifetime and keep the connect span as parent.
	sessionCtx := trace.ContextWithSpanContext(h.hub.ctx, span.SpanContext())
	go s.WritePump(sessionCtx)
	go s.ReadPump(sessionCtx)

	h.hub.log.WithField("session", s.ID).Info("websocket connection established")
}
