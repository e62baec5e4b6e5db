package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckoutItem — позиция корзины для создания checkout-сессии у провайдера
type CheckoutItem struct {
	EditionID uuid.UUID
	// Title нужен провайдеру для отображения на hosted-странице оплаты
	Title     string
	Quantity  int32
	UnitPrice decimal.Decimal
}

// CheckoutSessionRequest — запрос на создание hosted-checkout сессии
type CheckoutSessionRequest struct {
	// UserID кладётся в metadata сессии: webhook-и провайдера не несут
	// никакого другого контекста вызывающей стороны
	UserID     string
	Items      []CheckoutItem
	SuccessURL string
	CancelURL  string
}

// SessionLineItem — позиция, фактически оплаченная в checkout-сессии.
// Получается отдельным вызовом к провайдеру: payload webhook-а
// не содержит полной детализации позиций
type SessionLineItem struct {
	EditionID uuid.UUID
	Quantity  int32
	UnitPrice decimal.Decimal
}

//go:generate go run github.com/vektra/mockery/v2@v2.53.5 --name=PaymentProvider --dir=. --output=./mocks --outpkg=mocks

// PaymentProvider определяет интерфейс платёжного провайдера
// Использует доменные типы вместо типов конкретного API — это делает
// service тестируемым с фейковым провайдером (клиент передаётся через DI,
// а не через глобальное состояние SDK)
type PaymentProvider interface {
	// CreateCheckoutSession создаёт hosted-checkout сессию и возвращает её id
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error)

	// SessionLineItems возвращает оплаченные позиции checkout-сессии
	SessionLineItems(ctx context.Context, sessionID string) ([]SessionLineItem, error)
}
