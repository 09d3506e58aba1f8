package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mkossov/retainerflow/internal/middleware"
	"github.com/mkossov/retainerflow/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса retainerflow.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/stages", h.GetStages)
		r.Get("/deals", h.GetDeals)

		// Канбан доступен всем операционным ролям, кроме адвокатов.
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(
				model.RoleSuperAdmin, model.RoleAdmin, model.RoleAgent, model.RoleAccounts,
			))

			r.Post("/deals/{dealID}/transition", h.TransitionDeal)
		})

		// Платежи и счета — только административные роли и бухгалтерия.
		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.RequireRoles(
				model.RoleSuperAdmin, model.RoleAdmin, model.RoleAccounts,
			))

			r.Post("/deals/{dealID}/inbound", h.MarkInboundReceived)
			r.Post("/deals/{dealID}/payout", h.PayOutbound)

			r.Get("/invoices", h.GetInvoices)
			r.Post("/invoices", h.CreateInvoice)
			r.Get("/invoices/{invoiceID}", h.GetInvoice)
			r.Put("/invoices/{invoiceID}", h.UpdateInvoice)
			r.Post("/invoices/{invoiceID}/status", h.SetInvoiceStatus)
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
