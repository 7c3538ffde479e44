package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /uploads/sessions", h.CreateSession)
	mux.HandleFunc("PUT /uploads/{upload_id}/chunks/{index}", h.PutChunk)
	mux.HandleFunc("POST /uploads/{upload_id}/finalize", h.Finalize)

	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", h.GetJob)
	mux.HandleFunc("POST /jobs/{job_id}/cancel", h.CancelJob)
	mux.HandleFunc("GET /jobs/{job_id}/assets", h.ListAssets)

	mux.HandleFunc("POST /webhooks", h.CreateWebhook)
	mux.HandleFunc("DELETE /webhooks/{webhook_id}", h.DeleteWebhook)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
