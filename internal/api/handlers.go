package api

import (
	"encoding/json"
	"log"
	"net/http"

	"collab-relay/internal/middleware"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
type Handler struct {
	docs      DocumentDirectory
	wsHandler ConnectionHandler
	snapshots SnapshotCatalog // nil without persistence
}

func NewHandler(docs DocumentDirectory, wsHandler ConnectionHandler, snapshots SnapshotCatalog) *Handler {
	return &Handler{
		docs:      docs,
		wsHandler: wsHandler,
		snapshots: snapshots,
	}
}

type documentListResponse struct {
	Documents  any  `json:"documents"`
	Count      int  `json:"count"`
	Persistent bool `json:"persistent"`
}

// ListDocuments lists every resident document
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs := h.docs.Documents()
	writeJSON(w, http.StatusOK, documentListResponse{
		Documents:  docs,
		Count:      len(docs),
		Persistent: h.docs.Persistent(),
	})
}

// GetDocument returns one resident document with its awareness snapshot
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	doc, ok := h.docs.Lookup(name)
	if !ok {
		http.Error(w, "document not resident: "+name, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, doc.Info())
}

// ListSnapshots lists the documents with a stored snapshot
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.snapshots != nil {
		stored, err := h.snapshots.Names(r.Context())
		if err != nil {
			log.Printf("⚠️  Failed to list snapshots: %v", err)
			middleware.AddSpanError(r.Context(), err)
			http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
			return
		}
		if stored != nil {
			names = stored
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": names,
		"count":     len(names),
	})
}

// Health reports liveness of the HTTP server
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
