package api

import (
	"notes-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Read-only views of collaborative documents
	api.HandleFunc("/documents/{id}/snapshot", h.GetSnapshot).Methods("GET")
	api.HandleFunc("/documents/{id}/presence", h.GetPresence).Methods("GET")
	api.HandleFunc("/documents/{id}/history", h.GetHistory).Methods("GET")

	// Operational views
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/presence", h.ListPresence).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/document/{id}", h.HandleDocumentWebSocket)

	return r
}
