package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/healthhub-scheduler/internal/availability"
	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
)

type RouterConfig struct {
	Engine    *scheduling.Engine
	Providers availability.Store
	PgPool    *pgxpool.Pool // optional, checked by readiness
	Redis     *redis.Client // optional, checked by readiness
	Logger    zerolog.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoverMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{engine: cfg.Engine, providers: cfg.Providers, log: cfg.Logger}

	r.Route("/providers", func(r chi.Router) {
		r.Post("/", h.createProvider)
		r.Get("/", h.listProviders)
		r.Get("/{id}", h.getProvider)
		r.Post("/{id}/rules", h.putRule)
		r.Post("/{id}/exceptions", h.putException)
		r.Get("/{id}/availability", h.getAvailability)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.book)
		r.Get("/{id}", h.getAppointment)
		r.Get("/{id}/revisions", h.listRevisions)
		r.Post("/{id}/cancel", h.cancel)
		r.Post("/{id}/reschedule", h.reschedule)
		r.Post("/{id}/payment-result", h.paymentResult)
		r.Post("/{id}/complete", h.complete)
		r.Post("/{id}/no-show", h.noShow)
	})

	r.Get("/patients/{id}/appointments", h.listPatientAppointments)

	return r
}
