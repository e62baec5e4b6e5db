package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/knigoland/order/internal/repository"
)

// minOrderTotal — минимальная сумма заказа (политика магазина)
var minOrderTotal = decimal.NewFromInt(50)

// OrderService содержит бизнес-логику жизненного цикла заказа:
// валидация корзины, создание checkout-сессии, fulfillment по webhook-у,
// переходы статусов и отмена с возвратом stock
type OrderService struct {
	logger   *zap.Logger
	provider PaymentProvider
	repo     repository.OrderRepository
}

// NewOrderService создаёт новый экземпляр OrderService
// Принимает интерфейсы как зависимости — это позволяет подменять
// провайдера и хранилище в тестах
func NewOrderService(logger *zap.Logger, provider PaymentProvider, repo repository.OrderRepository) *OrderService {
	return &OrderService{
		logger:   logger,
		provider: provider,
		repo:     repo,
	}
}

// CartLine — строка корзины: издание, количество и цена,
// котированная клиенту на момент формирования корзины
type CartLine struct {
	EditionID uuid.UUID
	Quantity  int32
	UnitPrice decimal.Decimal
}

// CreateCheckoutInput содержит входные данные для создания checkout-сессии
type CreateCheckoutInput struct {
	Actor      Actor
	Lines      []CartLine
	SuccessURL string
	CancelURL  string
}

// CreateCheckout валидирует корзину и создаёт checkout-сессию у провайдера.
// Локально ничего не сохраняется: заказ появится только после
// подтверждения оплаты webhook-ом.
//
// Проверка stock здесь сознательно advisory: между созданием сессии и
// fulfillment-ом проходит произвольное время, и два покупателя могут оба
// пройти валидацию на последний экземпляр. Жёсткая проверка выполняется
// ещё раз внутри fulfillment-транзакции
func (s *OrderService) CreateCheckout(ctx context.Context, in CreateCheckoutInput) (string, error) {
	if len(in.Lines) == 0 {
		return "", fmt.Errorf("cart must contain at least one line")
	}

	ids := make([]uuid.UUID, 0, len(in.Lines))
	for _, line := range in.Lines {
		ids = append(ids, line.EditionID)
	}

	editions, err := s.repo.Editions(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("load editions: %w", err)
	}

	total := decimal.Zero
	items := make([]CheckoutItem, 0, len(in.Lines))
	for _, line := range in.Lines {
		edition, ok := editions[line.EditionID]
		if !ok || edition.Stock < line.Quantity {
			return "", &repository.InsufficientStockError{EditionID: line.EditionID}
		}

		// Сумма считается из котированных клиенту цен
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt32(line.Quantity)))
		items = append(items, CheckoutItem{
			EditionID: line.EditionID,
			Title:     edition.Title,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	if total.LessThan(minOrderTotal) {
		return "", fmt.Errorf("%w: total %s, minimum %s", ErrBelowMinimumOrderValue, total, minOrderTotal)
	}

	sessionID, err := s.provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		UserID:     in.Actor.UserID,
		Items:      items,
		SuccessURL: in.SuccessURL,
		CancelURL:  in.CancelURL,
	})
	if err != nil {
		s.logger.Error("checkout session creation failed",
			zap.String("user_id", in.Actor.UserID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrCheckoutSessionCreationFailed, err)
	}

	s.logger.Info("checkout session created",
		zap.String("user_id", in.Actor.UserID),
		zap.String("session_id", sessionID),
		zap.String("total", total.String()))
	return sessionID, nil
}

// FulfillCheckout выполняет fulfillment по подтверждённой оплате:
// забирает у провайдера оплаченные позиции и создаёт заказ одной
// транзакцией (заказ + позиции + списание stock).
//
// Доставка webhook-ов at-least-once, поэтому повторный вызов по той же
// сессии обязан быть безопасен: дубликат упирается в уникальность
// session id, транзакция откатывается без повторного списания stock,
// и это считается успехом
func (s *OrderService) FulfillCheckout(ctx context.Context, sessionID, userID string, total decimal.Decimal, addr *repository.Address) error {
	if userID == "" {
		return ErrMissingBuyerContext
	}

	lines, err := s.provider.SessionLineItems(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: fetch session line items: %w", ErrProviderUnavailable, err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("session %s has no line items", sessionID)
	}

	items := make([]repository.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, repository.OrderItem{
			EditionID: line.EditionID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	order := repository.Order{
		ID:                uuid.New(),
		UserID:            userID,
		Total:             total,
		ShippingAddress:   addr,
		ProviderSessionID: sessionID,
		Items:             items,
	}

	err = s.repo.CreateFromCheckout(ctx, order)
	if errors.Is(err, repository.ErrAlreadyFulfilled) {
		// Повторная доставка webhook-а: заказ уже есть, stock уже списан.
		// Сверяем владельца существующего заказа и отвечаем успехом
		existing, getErr := s.repo.GetBySessionID(ctx, sessionID)
		if getErr == nil && existing.UserID != userID {
			s.logger.Warn("duplicate webhook carries a different buyer",
				zap.String("session_id", sessionID),
				zap.String("existing_user_id", existing.UserID),
				zap.String("webhook_user_id", userID))
		}
		s.logger.Info("session already fulfilled, skipping",
			zap.String("session_id", sessionID))
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("order fulfilled",
		zap.String("order_id", order.ID.String()),
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.String("total", total.String()),
		zap.Int("items", len(items)))
	return nil
}

// GetOrder возвращает заказ с позициями.
// Администратор видит любой заказ; остальные — только свои.
// Для чужого заказа возвращается ErrNotFound, а не ошибка прав:
// сам факт существования заказа не раскрывается
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (repository.Order, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return repository.Order{}, err
	}
	if ResolveScope(actor, order.UserID) == ScopeDenied {
		return repository.Order{}, repository.ErrNotFound
	}
	return order, nil
}

// ListOrders возвращает заказы: администратору — все, пользователю — свои
func (s *OrderService) ListOrders(ctx context.Context, actor Actor) ([]repository.Order, error) {
	if actor.Admin {
		return s.repo.ListAll(ctx)
	}
	return s.repo.ListByUser(ctx, actor.UserID)
}

// ChangeStatus переводит заказ в целевой статус.
// Последовательность всегда одна: перечитать заказ, проверить scope,
// проверить переход по таблице, записать новый статус.
// Отмена дополнительно возвращает stock — в той же транзакции
func (s *OrderService) ChangeStatus(ctx context.Context, actor Actor, orderID uuid.UUID, to repository.Status) (repository.Order, error) {
	order, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return repository.Order{}, err
	}

	scope := ResolveScope(actor, order.UserID)
	if scope == ScopeDenied {
		return repository.Order{}, repository.ErrNotFound
	}

	if !repository.CanTransition(order.Status, to, scope.role()) {
		// Различаем "перехода не существует" и "переход есть, но не для этой роли"
		if repository.CanTransition(order.Status, to, repository.RoleAdmin) {
			return repository.Order{}, ErrPermissionDenied
		}
		return repository.Order{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, order.Status, to)
	}

	if to == repository.StatusCancelled {
		err = s.repo.CancelOrder(ctx, orderID)
	} else {
		err = s.repo.UpdateStatus(ctx, orderID, order.Status, to)
	}
	if errors.Is(err, repository.ErrStatusConflict) {
		// Конкурентный переход успел раньше; с точки зрения вызывающего
		// его переход из перечитанного статуса уже невозможен
		return repository.Order{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, order.Status, to)
	}
	if err != nil {
		return repository.Order{}, err
	}

	s.logger.Info("order status changed",
		zap.String("order_id", orderID.String()),
		zap.String("from", string(order.Status)),
		zap.String("to", string(to)),
		zap.String("actor", actor.UserID),
		zap.Bool("admin", actor.Admin))

	return s.repo.GetByID(ctx, orderID)
}

// CancelOrder отменяет заказ (владелец или администратор)
func (s *OrderService) CancelOrder(ctx context.Context, actor Actor, orderID uuid.UUID) (repository.Order, error) {
	return s.ChangeStatus(ctx, actor, orderID, repository.StatusCancelled)
}

// AttachShippingAddress дозаполняет адрес доставки заказа по id checkout-сессии.
// Провайдер присылает адрес не атомарно с завершением сессии,
// поэтому операция отдельная и идемпотентная
func (s *OrderService) AttachShippingAddress(ctx context.Context, actor Actor, sessionID string, addr repository.Address) error {
	order, err := s.repo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return err
	}
	if ResolveScope(actor, order.UserID) == ScopeDenied {
		return repository.ErrNotFound
	}
	return s.repo.SetShippingAddress(ctx, sessionID, addr)
}

// HasPurchased отвечает, покупал ли пользователь издание (в неотменённом заказе).
// Используется как предусловие подсистемой рецензий; проверка защитная,
// а не граница безопасности, поэтому ошибка поиска деградирует в false
func (s *OrderService) HasPurchased(ctx context.Context, userID string, editionID uuid.UUID) bool {
	ok, err := s.repo.UserPurchasedEdition(ctx, userID, editionID)
	if err != nil {
		s.logger.Warn("purchase check failed, degrading to false",
			zap.String("user_id", userID),
			zap.String("edition_id", editionID.String()),
			zap.Error(err))
		return false
	}
	return ok
}
