package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/advisor-sim/internal/identity"
	"github.com/ashureev/advisor-sim/internal/middleware"
)

// RouterConfig wires the handlers and middleware into a router.
type RouterConfig struct {
	Handler        *Handler
	Health         *HealthHandler
	Live           http.Handler
	Gate           *identity.Gate
	Limiter        *middleware.RateLimiter
	Errors         *ErrorWriter
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) chi.Router {
	h, gate, errs := cfg.Handler, cfg.Gate, cfg.Errors
	limit := middleware.RateLimit(cfg.Limiter, errs.Write)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.Observe(cfg.Logger))
	r.Use(errs.Recoverer)
	r.Use(chimw.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(LimitBody(cfg.MaxBodyBytes))

	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", cfg.Health.Health)

		r.Route("/guest", func(r chi.Router) {
			r.With(limit).Post("/validate-code", h.ValidateCode)

			r.Group(func(r chi.Router) {
				r.Use(gate.Guest, limit)
				r.Post("/chat", h.GuestChat)
				r.Post("/evaluate", h.Evaluate)
				r.Post("/mentor", h.Mentor)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Use(gate.Protect, limit)
			r.Post("/", h.Chat)
			r.Post("/evaluate", h.Evaluate)
			r.Post("/mentor", h.Mentor)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(gate.Any)
			r.Get("/", h.GetSession)
			r.With(limit).Post("/close", h.CloseSession)
			if cfg.Live != nil {
				r.With(limit).Get("/live", cfg.Live.ServeHTTP)
			}
		})
	})

	return r
}
