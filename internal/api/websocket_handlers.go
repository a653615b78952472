package api

import (
	"net/http"
)

// HandleWebSocket serves branch service connections.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHandler == nil {
		http.Error(w, "websocket endpoint disabled", http.StatusNotFound)
		return
	}
	h.wsHandler.HandleConnection(w, r)
}
