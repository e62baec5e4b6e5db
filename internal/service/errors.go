package service

import "errors"

// Ошибки бизнес-логики заказов.
// Возвращаются значениями, а не исключениями, чтобы вызывающие слои
// (HTTP handler, админка) могли ветвиться по errors.Is
var (
	// ErrBelowMinimumOrderValue — сумма корзины ниже минимальной суммы заказа
	ErrBelowMinimumOrderValue = errors.New("cart total is below the minimum order value")

	// ErrCheckoutSessionCreationFailed — платёжный провайдер не создал checkout-сессию.
	// Локально никакого состояния к этому моменту не создано
	ErrCheckoutSessionCreationFailed = errors.New("checkout session creation failed")

	// ErrMissingBuyerContext — в metadata checkout-сессии нет id покупателя;
	// fulfillment невозможен, повтор доставки webhook-а не поможет
	ErrMissingBuyerContext = errors.New("buyer id is missing from session metadata")

	// ErrProviderUnavailable — провайдер не ответил на запрос позиций сессии.
	// Ошибка временная: повтор доставки webhook-а имеет смысл
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrPermissionDenied — у вызывающего нет прав на операцию
	// (например, не-администратор переводит заказ в delivering)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrIllegalTransition — запрошенный переход статуса отсутствует
	// в таблице переходов; к ближайшему допустимому не приводится
	ErrIllegalTransition = errors.New("illegal order status transition")
)
