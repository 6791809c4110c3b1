package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Method("GET", "/metrics", s.metrics.Handler())

	s.router.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter, s.metrics))
		}

		r.Post("/", s.handleBundle)

		r.Post("/$import", s.handleImport)
		r.Route("/_operations/import/{id}", func(r chi.Router) {
			r.Get("/", s.handleImportStatus)
			r.Delete("/", s.handleImportCancel)
		})

		r.Route("/Subscription", func(r chi.Router) {
			r.Post("/", s.handleCreateSubscription)
			r.Get("/", s.handleListSubscriptions)
			r.Get("/{id}", s.handleGetSubscription)
			r.Delete("/{id}", s.handleDeleteSubscription)
		})
	})
}
