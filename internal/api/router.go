package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"paywall-trigger-engine/internal/observability"
)

func Router(h *PaywallHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.DecisionWait + 5*time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.TrackEvent)
		r.Post("/events/dry-run", h.DryRun)

		r.Route("/paywalls", func(r chi.Router) {
			r.Post("/present", h.PresentDefault)
			r.Post("/{identifier}/present", h.PresentIdentifier)
			r.Get("/active", h.Active)
			r.Post("/active/dismiss", h.Dismiss)
			r.Delete("/cache", h.ClearCache)
			r.Delete("/cache/{identifier}", h.EvictPaywall)
		})

		r.Route("/user", func(r chi.Router) {
			r.Put("/attributes", h.MergeAttributes)
			r.Put("/id", h.Identify)
			r.Put("/subscription", h.SetSubscription)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
