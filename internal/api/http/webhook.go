package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/knigoland/order/internal/client/stripe"
	"github.com/knigoland/order/internal/repository"
	"github.com/knigoland/order/internal/service"
	"github.com/knigoland/order/platform/observability"
)

// maxWebhookBody ограничивает размер тела webhook-а
const maxWebhookBody = 1 << 20

// WebhookHandler принимает события платёжного провайдера.
// Подпись проверяется до любого разбора содержимого; провайдер доставляет
// события at-least-once, поэтому коды ответов различают "ретрай бесполезен"
// (4xx) и "ретрай может помочь" (5xx)
type WebhookHandler struct {
	orderService *service.OrderService
	secret       string
	logger       *zap.Logger
	now          func() time.Time
}

// NewWebhookHandler создаёт обработчик webhook-ов с общим секретом подписи
func NewWebhookHandler(orderService *service.OrderService, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		orderService: orderService,
		secret:       secret,
		logger:       logger,
		now:          time.Now,
	}
}

// log возвращает request-логгер, положенный в контекст HTTP middleware-ом,
// либо базовый логгер с trace-полями
func (h *WebhookHandler) log(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return observability.L(ctx, h.logger)
}

// PostWebhook обрабатывает POST /webhooks/payment
func (h *WebhookHandler) PostWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.log(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if err := stripe.VerifySignature(payload, r.Header.Get("Stripe-Signature"), h.secret, h.now()); err != nil {
		logger.Warn("webhook signature rejected", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case stripe.EventCheckoutSessionCompleted:
		h.handleSessionCompleted(w, r, event)
	case stripe.EventPaymentIntentSucceeded, stripe.EventPaymentIntentFailed:
		// Жизненный цикл платежа отслеживается по checkout-сессии;
		// интенты подтверждаются без обработки
		logger.Info("acknowledging payment intent event",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID))
		w.WriteHeader(http.StatusOK)
	default:
		// Незнакомые типы подтверждаются, иначе провайдер будет ретраить их вечно
		logger.Debug("ignoring webhook event", zap.String("type", event.Type))
		w.WriteHeader(http.StatusOK)
	}
}

func (h *WebhookHandler) handleSessionCompleted(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	ctx := r.Context()
	logger := h.log(ctx)

	var session stripe.SessionObject
	if err := json.Unmarshal(event.Data.Object, &session); err != nil || session.ID == "" {
		http.Error(w, "Invalid session object", http.StatusBadRequest)
		return
	}

	userID := session.Metadata["user_id"]
	addr := shippingAddress(session.Shipping)

	err := h.orderService.FulfillCheckout(ctx, session.ID, userID, stripe.AmountFromMinorUnits(session.AmountTotal), addr)

	var stockErr *repository.InsufficientStockError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, service.ErrMissingBuyerContext):
		// Сессия без metadata.user_id создана не нами; ретрай не поможет
		logger.Error("webhook session without buyer metadata",
			zap.String("session_id", session.ID),
			zap.String("event_id", event.ID))
		http.Error(w, "Session has no buyer metadata", http.StatusBadRequest)
	case errors.As(err, &stockErr):
		// Оплата прошла, а stock кончился: требуется вмешательство оператора
		logger.Error("fulfillment aborted on stock underflow",
			zap.String("session_id", session.ID),
			zap.String("edition_id", stockErr.EditionID.String()))
		http.Error(w, "Insufficient stock", http.StatusConflict)
	case errors.Is(err, service.ErrProviderUnavailable):
		logger.Warn("line items fetch failed, provider will retry",
			zap.String("session_id", session.ID),
			zap.Error(err))
		http.Error(w, "Provider unavailable", http.StatusBadGateway)
	default:
		logger.Error("fulfillment failed, provider will retry",
			zap.String("session_id", session.ID),
			zap.Error(err))
		http.Error(w, "Fulfillment failed", http.StatusInternalServerError)
	}
}

// shippingAddress переводит адрес из payload-а провайдера в модель заказа
func shippingAddress(d *stripe.ShippingDetails) *repository.Address {
	if d == nil {
		return nil
	}
	return &repository.Address{
		Name:       d.Name,
		Phone:      d.Phone,
		Line1:      d.Address.Line1,
		Line2:      d.Address.Line2,
		City:       d.Address.City,
		State:      d.Address.State,
		PostalCode: d.Address.PostalCode,
		Country:    d.Address.Country,
	}
}
