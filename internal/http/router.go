package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/crewly/server/internal/http/handlers"
	"github.com/crewly/server/internal/middleware"
	"github.com/crewly/server/internal/model"
	"github.com/crewly/server/internal/repo"
	"github.com/crewly/server/internal/session"
)

// NewRouter wires all routes. Logout, me, and revocation sit behind the auth
// middleware so every privileged request re-checks session validity.
func NewRouter(
	authHandler *handlers.AuthHandler,
	tokens *session.TokenService,
	sessions *session.Manager,
	users repo.UserRepo,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.NewHealthHandler().ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/request_otp", authHandler.HandleRequestOTP)
		r.Post("/verify_otp", authHandler.HandleVerifyOTP)
		r.Post("/refresh", authHandler.HandleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(tokens, sessions, users))
			r.Post("/logout", authHandler.HandleLogout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin, model.RoleSuperAdmin))
				r.Post("/revoke_all", authHandler.HandleRevokeAll)
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(tokens, sessions, users))
		r.Get("/me", authHandler.HandleMe)
	})

	return r
}
