package api

import (
	"net/http"

	"collab-relay/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(h *Handler, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{name:.+}", h.GetDocument).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", h.ListSnapshots).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Document name is the whole path after the leading slash, so /ws/notes
	// is the document "ws/notes". The API routes above match first.
	r.HandleFunc("/", h.HandleDocumentWebSocket)
	r.HandleFunc("/{name:.+}", h.HandleDocumentWebSocket)

	return r
}
