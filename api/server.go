/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/sessions/*       Planning session lifecycle and editing
  /api/currencies       Reference data
  /api/committees       Reference data
  /api/rates            Forecast rate set (scheduler-cached)

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. allowedOrigins
// configures CORS for the frontend hosts.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.OpenSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.CloseSession)
				r.Put("/subprojects", h.EditSubproject)
				r.Put("/master-values", h.SetMasterValues)
				r.Put("/currency", h.ChangeCurrency)
				r.Put("/version", h.SwitchVersion)
				r.Post("/save", h.SaveSession)
				r.Post("/discard", h.DiscardSession)
				r.Route("/approval", func(r chi.Router) {
					r.Post("/", h.OpenApproval)
					r.Post("/submit", h.SubmitApproval)
					r.Delete("/", h.CancelApproval)
				})
			})
		})

		// Reference data routes
		r.Get("/currencies", h.ListCurrencies)
		r.Get("/committees", h.ListCommittees)
		r.Get("/rates", h.ListForecastRates)
	})

	return r
}
