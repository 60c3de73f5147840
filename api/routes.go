package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

// NewRouter builds the trigger API router. The run endpoint sits behind
// the agent-key middleware; the health probe does not.
func NewRouter(handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealthz)

	r.Route("/agent/watch", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Post("/run", handlers.handleRun)
	})

	return r
}

// Serve starts the trigger API listener and blocks until it fails
func Serve(handlers *Handlers) error {
	addr := fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Trigger API listening")
	return server.ListenAndServe()
}
