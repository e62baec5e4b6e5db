package repository

import "fmt"

// Status представляет статус заказа
// Закрытый набор значений: created, delivering, delivered, cancelled.
// created — единственный начальный статус (заказ создаёт только webhook-обработчик
// после подтверждённой оплаты), delivered и cancelled — терминальные
type Status string

const (
	StatusCreated    Status = "created"
	StatusDelivering Status = "delivering"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus проверяет и возвращает статус из строки
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusCreated, StatusDelivering, StatusDelivered, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown order status: %q", s)
}

// Role определяет, от чьего имени выполняется переход статуса
type Role int

const (
	// RoleOwner — владелец заказа
	RoleOwner Role = iota
	// RoleAdmin — администратор магазина
	RoleAdmin
)

type transitionKey struct {
	from Status
	to   Status
}

// transitions — единственное место, где описаны допустимые переходы
// статусов и роли, которым они разрешены. Любая пара (from, to),
// которой здесь нет, запрещена
var transitions = map[transitionKey]map[Role]bool{
	{StatusCreated, StatusDelivering}:   {RoleAdmin: true},
	{StatusDelivering, StatusDelivered}: {RoleAdmin: true},
	{StatusCreated, StatusCancelled}:    {RoleOwner: true, RoleAdmin: true},
	{StatusDelivering, StatusCancelled}: {RoleOwner: true, RoleAdmin: true},
}

// CanTransition отвечает, разрешён ли переход from → to для роли role
func CanTransition(from, to Status, role Role) bool {
	roles, ok := transitions[transitionKey{from: from, to: to}]
	if !ok {
		return false
	}
	return roles[role]
}

// CancellableFrom отвечает, можно ли отменить заказ из статуса s
// (отмена из delivered/cancelled запрещена — это же защищает
// от повторного возврата stock на склад)
func CancellableFrom(s Status) bool {
	return s == StatusCreated || s == StatusDelivering
}
