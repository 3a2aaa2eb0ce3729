package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/lalithlochan/jellycast/internal/metrics"
	"github.com/lalithlochan/jellycast/internal/redis"
)

// RouterConfig tunes request limits.
type RouterConfig struct {
	// WebhookLimiter, when set, limits POST /webhook per client across
	// instances. Otherwise WebhookPerMinute applies per instance.
	WebhookLimiter   *redis.RateLimiter
	WebhookPerMinute int
	// AdminPerMinute limits POST /sync and POST /test per client.
	AdminPerMinute int
	RequestTimeout time.Duration
}

// NewRouter mounts every endpoint on a chi router.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) http.Handler {
	if cfg.WebhookPerMinute <= 0 {
		cfg.WebhookPerMinute = 600
	}
	if cfg.AdminPerMinute <= 0 {
		cfg.AdminPerMinute = 6
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Group(func(r chi.Router) {
		if cfg.WebhookLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.WebhookLimiter, logger, IPKeyFunc))
		} else {
			r.Use(httprate.LimitByIP(cfg.WebhookPerMinute, time.Minute))
		}
		r.Post("/webhook", h.Webhook)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.AdminPerMinute, time.Minute))
		r.Post("/sync", h.TriggerSync)
		r.Post("/test/{channel}", h.SendTest)
	})

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/dlq", h.ListDeadLetters)
		r.Post("/dlq/{id}/retry", h.RetryDeadLetter)
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
