/**
 * @description
 * This file sets up the HTTP router using the go-chi/chi router. It mounts the
 * provider webhooks, the activity log endpoints, the admin API and the operational
 * endpoints, and applies logging, recovery, CORS and metrics middleware.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hima/hima-service/internal/metrics"
)

// RouterConfig carries the handlers and settings the router needs.
type RouterConfig struct {
	Webhooks       *WebhookHandler
	Logs           *LogHandler
	Admin          *AdminHandler
	Metrics        *metrics.Metrics
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers all routes.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(RequestMetrics(cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", cfg.Metrics.Handler())

	// The log stream is long-lived and must not inherit the request timeout.
	if cfg.Logs != nil {
		r.Get("/logs/stream", cfg.Logs.handleStream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		if cfg.Webhooks != nil {
			r.Get("/webhooks/whatsapp", cfg.Webhooks.handleWhatsAppVerify)
			r.Post("/webhooks/whatsapp", cfg.Webhooks.handleWhatsApp)
			r.Post("/webhooks/chat", cfg.Webhooks.handleChat)
			r.Post("/webhooks/mpesa/callback", cfg.Webhooks.handleMpesaCallback)
		}
		if cfg.Logs != nil {
			r.Get("/logs", cfg.Logs.handleHistory)
		}

		if cfg.Admin != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))

				r.Get("/kyc/pending", cfg.Admin.handlePendingKYC)
				r.Post("/users/{phone}/kyc", cfg.Admin.handleReviewKYC)
				r.Get("/claims/{claimNumber}", cfg.Admin.handleGetClaim)
				r.Post("/claims/{claimNumber}/status", cfg.Admin.handleClaimStatus)
			})
		}
	})

	return r
}
