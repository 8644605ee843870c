// Package api wires the handler set onto the server's router with the
// standard middleware chain.
package api

import (
	"github.com/go-chi/chi/v5"

	"omnifm/internal/api/handlers"
	"omnifm/internal/core"
)

// Handlers collects the handler instances mounted by MountRoutes.
type Handlers struct {
	Health  *handlers.HealthHandler
	Bots    *handlers.BotsHandler
	Premium *handlers.PremiumHandler
	Webhook *handlers.StripeWebhookHandler
	Admin   *handlers.AdminHandler
}

// MountRoutes attaches the middleware chain and all routes to the server's
// router. The order matters: the recoverer is outermost so panics anywhere in
// the chain are caught, and the request id is assigned before anything logs.
func MountRoutes(s *core.Server, h Handlers) {
	r := s.Router()

	r.Use(s.Recoverer)
	r.Use(core.RequestIDMiddleware)
	r.Use(s.SecurityHeadersMiddleware)
	r.Use(core.NewCORSMiddleware(s.Config.Security.CorsAllowedOrigins))
	r.Use(core.RequestLogger(s.Logger))

	h.Health.RegisterRoutes(r)
	h.Bots.RegisterRoutes(r)
	h.Premium.RegisterRoutes(r)
	if h.Webhook != nil {
		h.Webhook.RegisterRoutes(r)
	}

	r.Group(func(admin chi.Router) {
		admin.Use(s.AdminAuthMiddleware)
		h.Admin.RegisterRoutes(admin)
	})
}
