package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/Lingovox/tg-voice-translator/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/", h.Health)

	// Постбэк провайдера аутентифицируется подписанным токеном в теле,
	// поэтому не проходит через внутреннюю авторизацию.
	r.Post("/api/payments/cryptocloud/postback", h.Postback)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/api/usage/authorize", h.Authorize)
		r.Post("/api/invoices", h.CreateInvoice)

		r.Get("/api/accounts/{id}", h.GetAccount)
		r.Put("/api/accounts/{id}/language", h.SetLanguage)

		r.Get("/api/stats", h.Stats)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
