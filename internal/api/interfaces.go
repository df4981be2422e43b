package api

import (
	"context"
	"net/http"

	"collab-relay/internal/services/collaboration"
)

// DocumentDirectory is what the handlers need from the registry
type DocumentDirectory interface {
	Documents() []collaboration.DocumentInfo
	Lookup(name string) (*collaboration.Document, bool)
	Persistent() bool
}

// ConnectionHandler serves the websocket attach endpoint
type ConnectionHandler interface {
	HandleDocumentConnection(w http.ResponseWriter, r *http.Request)
}

// SnapshotCatalog lists the documents held by the persistence backend
type SnapshotCatalog interface {
	Names(ctx context.Context) ([]string, error)
}
