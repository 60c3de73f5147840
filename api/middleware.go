package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/hoamxTrav/hoamx-watcher-agent/cfg"
)

// AuthMiddleware validates the shared agent key on trigger endpoints
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Config.HTTP.AgentKey
		if secret == "" {
			// Validate() rejects this configuration; refuse rather than
			// run open if it slips through.
			writeErrorResponse(w, http.StatusServiceUnavailable, "agent key not configured")
			return
		}

		provided := r.Header.Get("x-agent-key")
		if provided == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid agent key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
