package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/metrics"
	"github.com/lalithlochan/smsrelay/internal/redis"
)

type RouterConfig struct {
	Auth         Authenticator
	RateLimiter  *redis.RateLimiter // nil disables rate limiting
	MaxBodyBytes int64
}

// NewRouter mounts every gateway route.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	limit := RateLimitMiddleware(cfg.RateLimiter, logger, TenantKeyFunc)

	r.Group(func(r chi.Router) {
		r.Use(BodyLimit(cfg.MaxBodyBytes))

		r.Post("/webhooks/carrier/status", h.CarrierStatus)

		// signed first-party API
		r.Group(func(r chi.Router) {
			r.Use(HMACAuth(cfg.Auth, logger))
			r.Use(limit)

			r.Post("/events", h.CreateEvent)

			r.Get("/triggers", h.ListTriggers)
			r.Post("/triggers", h.CreateTrigger)
			r.Get("/triggers/{id}", h.GetTrigger)
			r.Patch("/triggers/{id}", h.UpdateTrigger)
			r.Delete("/triggers/{id}", h.DeleteTrigger)

			r.Get("/messages", h.ListMessages)
			r.Get("/messages/{id}", h.GetMessage)

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Get("/dead-letters/{id}", h.GetDeadLetter)
			r.Post("/dead-letters/{id}/retry", h.RetryDeadLetter)
			r.Post("/dead-letters/{id}/discard", h.DiscardDeadLetter)

			r.Post("/tenant/rotate-key", h.RotateKey)
		})

		// browser SDK and inbound webhooks
		r.Group(func(r chi.Router) {
			r.Use(APIKeyAuth(cfg.Auth, logger))
			r.Use(limit)

			r.Post("/sdk-events", h.CreateSDKEvent)
			r.Post("/webhooks/{apiKey}", h.ReceiveWebhook)
			r.Post("/zapier/webhook/{apiKey}", h.ReceiveZapier)
		})
	})

	return r
}
