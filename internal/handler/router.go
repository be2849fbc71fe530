package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/smm-panel-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса SMM-панели.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.RequestLogger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/providers", func(r chi.Router) {
				r.Get("/", h.ListProviders)
				r.Post("/", h.RegisterProvider)

				r.Route("/{providerID}", func(r chi.Router) {
					r.Get("/", h.GetProvider)
					r.Patch("/", h.UpdateProvider)
					r.Delete("/", h.DeleteProvider)
					r.Post("/toggle", h.ToggleProvider)
					r.Post("/sync", h.SyncProvider)
					r.Get("/services", h.ListProviderServices)
				})
			})

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.ListOrders)
				r.Post("/", h.CreateOrder)

				r.Route("/{orderID}", func(r chi.Router) {
					r.Get("/", h.GetOrder)
					r.Post("/status", h.RefreshOrderStatus)
					r.Post("/refill", h.RequestRefill)
					r.Get("/refill", h.GetRefillStatus)
					r.Post("/cancel", h.CancelOrder)
				})
			})

			r.Get("/analytics", h.GetAnalytics)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
