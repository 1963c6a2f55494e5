package authzhttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the session authorization endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Authenticate)
		r.Get("/session", h.handleSession)
		r.Get("/check", h.handleCheck)
		r.Post("/refresh", h.handleRefresh)
	})
}
