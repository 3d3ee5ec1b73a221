package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/allocation-booker/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/metrics", h.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/members", func(r chi.Router) {
			r.Get("/", h.ListMembers)
			r.Post("/", h.AddMember)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetMember)
				r.Put("/", h.EditMember)
				r.Delete("/", h.RemoveMember)
				r.Post("/check", h.CheckMember)
				r.Post("/initial-info", h.RefreshInitialInfo)
				r.Post("/certificates", h.DownloadCertificates)
			})
		})

		r.Get("/monitor", h.MonitorState)
		r.Post("/monitor/start", h.StartMonitoring)
		r.Post("/monitor/stop", h.StopMonitoring)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Get("/events", h.Events)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
