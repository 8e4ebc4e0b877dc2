package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"bpmncollab/internal/api"
	"bpmncollab/internal/config"
	"bpmncollab/internal/metrics"
	"bpmncollab/internal/session"
	"bpmncollab/internal/utils"
)

func New(log *utils.Logger, hub *session.Hub, cfg config.Config) http.Handler {
	h := api.NewHandlers(log, hub, api.Options{
		SendQueueSize:   cfg.SendQueueSize,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer, metrics.Middleware)

	// Timeout writes a 504 into the response once it fires, which would
	// corrupt a hijacked websocket, so it only wraps the plain HTTP routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", h.Health)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	r.Get(cfg.WSPath, h.CollabWS)

	return r
}
