package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/api/http/middleware"
	platformhealth "github.com/knigoland/order/platform/health/http"
	platformobservability "github.com/knigoland/order/platform/observability"
)

// NewRouter создаёт и настраивает HTTP роутер сервиса заказов.
// readiness - функция для проверки готовности сервиса (например, проверка БД).
// Если readiness возвращает false, health endpoint вернёт 503 Service Unavailable.
// logger используется для observability HTTP middleware (trace_id в логах).
func NewRouter(handler *Handler, webhook *WebhookHandler, readiness func() bool, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Observability: trace context + span на каждый запрос, logger с trace_id в контексте
	if logger != nil {
		router.Use(platformobservability.HTTPMiddleware("order", logger))
	}

	// /orders* и /checkout* требуют аутентификации через заголовки гейтвея
	// (middleware возвращает 401 при отсутствии x-user-id)
	router.Group(func(r chi.Router) {
		r.Use(middleware.WithActor)

		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", handler.PostCheckout)
			r.Put("/sessions/{sessionID}/address", func(w http.ResponseWriter, r *http.Request) {
				handler.PutCheckoutSessionAddress(w, r, chi.URLParam(r, "sessionID"))
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", handler.GetOrders)
			r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
				handler.GetOrdersId(w, r, chi.URLParam(r, "id"))
			})
			r.Patch("/{id}/status", func(w http.ResponseWriter, r *http.Request) {
				handler.PatchOrdersIdStatus(w, r, chi.URLParam(r, "id"))
			})
			r.Post("/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
				handler.PostOrdersIdCancel(w, r, chi.URLParam(r, "id"))
			})
		})

		r.Get("/purchases/{editionID}", func(w http.ResponseWriter, r *http.Request) {
			handler.GetPurchasesEditionId(w, r, chi.URLParam(r, "editionID"))
		})
	})

	// Webhook аутентифицируется подписью, а не сессией
	router.Post("/webhooks/payment", webhook.PostWebhook)

	// Health без middleware (не требует сессии)
	router.Get("/health", platformhealth.Handler(readiness))

	return router
}
