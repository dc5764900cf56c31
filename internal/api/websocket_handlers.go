package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleDocumentWebSocket handles WebSocket connections for document collaboration
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHandler == nil {
		http.Error(w, "collaboration is not enabled", http.StatusServiceUnavailable)
		return
	}
	h.wsHandler.HandleDocumentConnection(w, r)
}
