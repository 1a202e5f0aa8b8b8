package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Public — no auth required.
	r.Get("/healthz", g.handleHealth())

	// Webhooks — own HMAC auth per source.
	r.Post("/webhooks/{source}", g.handleWebhook())

	// Client surface. The auth middleware is only installed when auth
	// is configured; an unauthenticated setup is a deliberate choice
	// for local single-user deployments.
	r.Group(func(r chi.Router) {
		if g.config.Auth.IsConfigured() {
			r.Use(authMiddleware(g.config.Auth, g.limiter))
		}
		r.Get("/ws", g.handleWS())
		r.Get("/metrics", g.metrics.Handler().ServeHTTP)
		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", g.handleListSessions())
			r.Get("/sessions/{id}/events", g.handleSessionEvents())
			r.Post("/sessions/{id}/messages", g.handlePostMessage())
			r.Delete("/sessions/{id}", g.handleDeleteSession())
			r.Get("/agents", g.handleListAgents())
		})
	})

	return r
}
