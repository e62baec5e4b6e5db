package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order представляет доменную модель заказа
// Это бизнес-сущность, не привязанная к HTTP или БД
type Order struct {
	ID uuid.UUID
	// UserID — владелец заказа (покупатель)
	UserID string
	// Total — сумма заказа, как её сообщил платёжный провайдер
	Total  decimal.Decimal
	Status Status
	// ShippingAddress может отсутствовать: провайдер иногда присылает адрес
	// уже после завершения checkout-сессии, отдельным вызовом
	ShippingAddress *Address
	// ProviderSessionID — id checkout-сессии платёжного провайдера.
	// Уникален: служит ключом идемпотентности fulfillment-а
	ProviderSessionID string
	Items             []OrderItem
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OrderItem представляет позицию заказа
// UnitPrice фиксируется в момент покупки и не следует за изменениями цены в каталоге
type OrderItem struct {
	EditionID uuid.UUID
	Quantity  int32
	UnitPrice decimal.Decimal
	// Title и Publisher — денормализованные поля каталога для отображения,
	// заполняются при чтении заказа
	Title     string
	Publisher string
}

// Address представляет адрес доставки
type Address struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Edition представляет издание книги из каталога
// Каталогом управляет внешняя подсистема; order-сервис читает издания
// и изменяет только счётчик stock
type Edition struct {
	ID        uuid.UUID
	Title     string
	Publisher string
	Price     decimal.Decimal
	Stock     int32
}

// OutboxEvent представляет событие из outbox таблицы
// Записывается в той же транзакции, что и породившее его изменение заказа
type OutboxEvent struct {
	ID        int64
	EventID   uuid.UUID
	EventType string
	Payload   []byte
	CreatedAt time.Time
}

// Типы событий, публикуемых через outbox
const (
	EventOrderFulfilled     = "order.fulfilled"
	EventOrderStatusChanged = "order.status.changed"
)

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=OrderRepository --dir=. --output=./mocks --outpkg=mocks

// OrderRepository определяет интерфейс для работы с хранилищем заказов и склада
// Service слой зависит от этого интерфейса, а не от конкретной реализации
type OrderRepository interface {
	// Editions возвращает издания каталога по их id (включая текущий stock).
	// Отсутствующие id в результат не попадают
	Editions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Edition, error)

	// CreateFromCheckout выполняет fulfillment одной транзакцией:
	// вставка заказа, вставка позиций, списание stock по каждой позиции,
	// запись outbox-события. Любая ошибка откатывает всё.
	// Возвращает ErrAlreadyFulfilled, если заказ с таким ProviderSessionID
	// уже существует (повторная доставка webhook-а), и InsufficientStockError,
	// если списание увело бы stock в минус
	CreateFromCheckout(ctx context.Context, order Order) error

	// GetByID получает заказ с позициями по id.
	// Возвращает ErrNotFound, если заказ не найден
	GetByID(ctx context.Context, id uuid.UUID) (Order, error)

	// GetBySessionID получает заказ по id checkout-сессии провайдера
	GetBySessionID(ctx context.Context, sessionID string) (Order, error)

	// ListByUser возвращает заказы пользователя (новые первыми)
	ListByUser(ctx context.Context, userID string) ([]Order, error)

	// ListAll возвращает все заказы (только для администратора)
	ListAll(ctx context.Context) ([]Order, error)

	// UpdateStatus переводит заказ из статуса from в статус to.
	// Проверка from выполняется в том же UPDATE (compare-and-set):
	// если текущий статус уже другой, возвращается ErrStatusConflict
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error

	// CancelOrder отменяет заказ одной транзакцией: переводит его в
	// StatusCancelled (только из StatusCreated/StatusDelivering, иначе
	// ErrStatusConflict) и возвращает списанный stock по каждой позиции
	CancelOrder(ctx context.Context, id uuid.UUID) error

	// SetShippingAddress обновляет адрес доставки заказа по id checkout-сессии.
	// Операция идемпотентна. Возвращает ErrNotFound, если заказа с такой сессией нет
	SetShippingAddress(ctx context.Context, sessionID string, addr Address) error

	// UserPurchasedEdition проверяет, есть ли у пользователя неотменённый заказ,
	// содержащий указанное издание
	UserPurchasedEdition(ctx context.Context, userID string, editionID uuid.UUID) (bool, error)

	// UnpublishedOutbox возвращает неопубликованные outbox-события (старые первыми)
	UnpublishedOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)

	// MarkOutboxPublished помечает события как опубликованные
	MarkOutboxPublished(ctx context.Context, ids []int64) error
}

// ErrNotFound возвращается, когда заказ не найден в хранилище
var ErrNotFound = errors.New("order not found")

// ErrAlreadyFulfilled возвращается при попытке повторного fulfillment-а
// по той же checkout-сессии. Для webhook-обработчика это успех, а не ошибка
var ErrAlreadyFulfilled = errors.New("order already fulfilled for this session")

// ErrStatusConflict возвращается, когда текущий статус заказа
// не совпадает с ожидаемым исходным статусом перехода
var ErrStatusConflict = errors.New("order status conflict")

// InsufficientStockError возвращается, когда списание увело бы stock издания в минус
type InsufficientStockError struct {
	EditionID uuid.UUID
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for edition %s", e.EditionID)
}
