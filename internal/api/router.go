package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"instdocs/internal/middleware"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Branch endpoints
	api.HandleFunc("/branches/updates", h.GetBranchUpdates).Methods("GET")
	api.HandleFunc("/branches", h.ListBranches).Methods("GET")
	api.HandleFunc("/branches", h.DeleteBranch).Methods("DELETE")

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
