package api

import (
	"net/http"
)

// HandleDocumentWebSocket attaches a websocket connection to a shared document
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}
