package service

import "github.com/knigoland/order/internal/repository"

// Actor — аутентифицированный вызывающий (identity приходит из HTTP middleware)
type Actor struct {
	UserID string
	Admin  bool
}

// Scope — отношение вызывающего к конкретному заказу
type Scope int

const (
	// ScopeDenied — чужой заказ, доступа нет
	ScopeDenied Scope = iota
	// ScopeOwner — владелец заказа
	ScopeOwner
	// ScopeAdmin — администратор (видит любые заказы)
	ScopeAdmin
)

// ResolveScope — чистая функция от identity вызывающего и владельца заказа.
// Каждая операция чтения деталей и каждая мутация заказа проходит через неё
func ResolveScope(actor Actor, ownerID string) Scope {
	if actor.Admin {
		return ScopeAdmin
	}
	if actor.UserID != "" && actor.UserID == ownerID {
		return ScopeOwner
	}
	return ScopeDenied
}

// role переводит scope в роль таблицы переходов статусов
func (s Scope) role() repository.Role {
	if s == ScopeAdmin {
		return repository.RoleAdmin
	}
	return repository.RoleOwner
}
