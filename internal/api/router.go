/**
 * @description
 * HTTP router setup for the session agent's local surface using go-chi/chi.
 * The presentational UI talks to the agent exclusively through these
 * routes; the session itself is only ever exposed read-only.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the session routes.
func NewRouter(h *Handler, allowedOrigin string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{allowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Session agent is healthy"))
	})

	r.Get("/state", h.handleGetState)
	r.Get("/session", h.handleGetSession)

	r.Post("/biometric/verify", h.handleVerifyBiometric)
	r.Post("/biometric/cancel-fallback", h.handleCancelFallback)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/unauthorized", h.handleUnauthorized)

	r.Post("/credentials/register", h.handleRegisterCredential)
	r.Get("/credentials", h.handleListCredentials)
	r.Delete("/credentials/{reference}", h.handleRevokeCredential)

	return r
}
