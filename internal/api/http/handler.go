package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/authctx"
	"github.com/knigoland/order/internal/repository"
	"github.com/knigoland/order/internal/service"
	"github.com/knigoland/order/platform/observability"
)

// Handler содержит HTTP-обработчики сервиса заказов.
// Зависит от service слоя, но не знает о деталях реализации (БД, Kafka и т.д.)
type Handler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

// NewHandler создаёт новый HTTP handler
func NewHandler(orderService *service.OrderService, logger *zap.Logger) *Handler {
	return &Handler{
		orderService: orderService,
		logger:       logger,
	}
}

// log возвращает request-логгер, положенный в контекст HTTP middleware-ом,
// либо базовый логгер с trace-полями
func (h *Handler) log(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return observability.L(ctx, h.logger)
}

// CartLine представляет строку корзины в HTTP запросе
type CartLine struct {
	EditionID string `json:"edition_id"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// CheckoutRequest представляет HTTP запрос на создание checkout-сессии
type CheckoutRequest struct {
	Lines      []CartLine `json:"lines"`
	SuccessURL string     `json:"success_url"`
	CancelURL  string     `json:"cancel_url"`
}

// CheckoutResponse представляет HTTP ответ с id созданной сессии
type CheckoutResponse struct {
	SessionID string `json:"session_id"`
}

// OrderItem представляет позицию заказа в HTTP ответе
type OrderItem struct {
	EditionID string `json:"edition_id"`
	Title     string `json:"title,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// OrderResponse представляет HTTP ответ с информацией о заказе
type OrderResponse struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	Total           string              `json:"total"`
	Status          string              `json:"status"`
	ShippingAddress *repository.Address `json:"shipping_address,omitempty"`
	Items           []OrderItem         `json:"items"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// StatusRequest представляет HTTP запрос на смену статуса заказа
type StatusRequest struct {
	Status string `json:"status"`
}

// PurchasedResponse представляет HTTP ответ проверки покупки
type PurchasedResponse struct {
	Purchased bool `json:"purchased"`
}

func toOrderResponse(o repository.Order) OrderResponse {
	items := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, OrderItem{
			EditionID: item.EditionID.String(),
			Title:     item.Title,
			Publisher: item.Publisher,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	return OrderResponse{
		ID:              o.ID.String(),
		UserID:          o.UserID,
		Total:           o.Total.String(),
		Status:          string(o.Status),
		ShippingAddress: o.ShippingAddress,
		Items:           items,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// PostCheckout обрабатывает POST /checkout - валидация корзины и создание
// checkout-сессии у платёжного провайдера
func (h *Handler) PostCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	var reqBody CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if len(reqBody.Lines) == 0 {
		http.Error(w, "Invalid payload: lines are required", http.StatusBadRequest)
		return
	}

	lines := make([]service.CartLine, 0, len(reqBody.Lines))
	for i, line := range reqBody.Lines {
		editionID, err := uuid.Parse(line.EditionID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid payload: bad edition_id in lines[%d]", i), http.StatusBadRequest)
			return
		}
		if line.Quantity <= 0 {
			http.Error(w, fmt.Sprintf("Invalid payload: quantity must be > 0 in lines[%d]", i), http.StatusBadRequest)
			return
		}
		unitPrice, err := decimal.NewFromString(line.UnitPrice)
		if err != nil || unitPrice.IsNegative() {
			http.Error(w, fmt.Sprintf("Invalid payload: bad unit_price in lines[%d]", i), http.StatusBadRequest)
			return
		}
		lines = append(lines, service.CartLine{
			EditionID: editionID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
		})
	}

	sessionID, err := h.orderService.CreateCheckout(ctx, service.CreateCheckoutInput{
		Actor:      actor,
		Lines:      lines,
		SuccessURL: reqBody.SuccessURL,
		CancelURL:  reqBody.CancelURL,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CheckoutResponse{SessionID: sessionID})
}

func (h *Handler) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var stockErr *repository.InsufficientStockError
	switch {
	case errors.Is(err, service.ErrBelowMinimumOrderValue):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &stockErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrCheckoutSessionCreationFailed):
		http.Error(w, "Payment provider unavailable", http.StatusBadGateway)
	default:
		h.log(ctx).Error("checkout failed", zap.Error(err))
		http.Error(w, "Failed to create checkout session", http.StatusInternalServerError)
	}
}

// GetOrders обрабатывает GET /orders - список заказов.
// Администратор получает все заказы, пользователь — только свои
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	orders, err := h.orderService.ListOrders(ctx, actor)
	if err != nil {
		h.log(ctx).Error("list orders failed", zap.Error(err))
		http.Error(w, "Failed to list orders", http.StatusInternalServerError)
		return
	}

	resp := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrdersId обрабатывает GET /orders/{id} - получение заказа по ID
func (h *Handler) GetOrdersId(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	orderID, err := uuid.Parse(id)
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	order, err := h.orderService.GetOrder(ctx, actor, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PatchOrdersIdStatus обрабатывает PATCH /orders/{id}/status - перевод заказа
// в новый статус по таблице переходов
func (h *Handler) PatchOrdersIdStatus(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	orderID, err := uuid.Parse(id)
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	var reqBody StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	status, err := repository.ParseStatus(reqBody.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	order, err := h.orderService.ChangeStatus(ctx, actor, orderID, status)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PostOrdersIdCancel обрабатывает POST /orders/{id}/cancel - отмена заказа
// владельцем или администратором с возвратом stock
func (h *Handler) PostOrdersIdCancel(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	orderID, err := uuid.Parse(id)
	if err != nil {
		http.Error(w, "Invalid order id", http.StatusBadRequest)
		return
	}

	order, err := h.orderService.CancelOrder(ctx, actor, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// PutCheckoutSessionAddress обрабатывает PUT /checkout/sessions/{sessionID}/address -
// дозаполнение адреса доставки заказа по id checkout-сессии
func (h *Handler) PutCheckoutSessionAddress(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	var addr repository.Address
	if err := json.NewDecoder(r.Body).Decode(&addr); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.orderService.AttachShippingAddress(ctx, actor, sessionID, addr); err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPurchasesEditionId обрабатывает GET /purchases/{editionID} - проверка,
// покупал ли текущий пользователь издание (предусловие для рецензий)
func (h *Handler) GetPurchasesEditionId(w http.ResponseWriter, r *http.Request, editionID string) {
	ctx := r.Context()
	actor, _ := authctx.ActorFromContext(ctx)

	id, err := uuid.Parse(editionID)
	if err != nil {
		http.Error(w, "Invalid edition id", http.StatusBadRequest)
		return
	}

	purchased := h.orderService.HasPurchased(ctx, actor.UserID, id)
	writeJSON(w, http.StatusOK, PurchasedResponse{Purchased: purchased})
}

// writeOrderError отображает ошибки service слоя на HTTP статусы.
// Чужой заказ выглядит как 404: факт его существования не раскрывается
func (h *Handler) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, service.ErrPermissionDenied):
		http.Error(w, "Permission denied", http.StatusForbidden)
	case errors.Is(err, service.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log(ctx).Error("order operation failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
