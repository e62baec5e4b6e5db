package authctx

import (
	"context"

	"github.com/knigoland/order/internal/service"
)

type ctxKeyActor struct{}

var actorKey = ctxKeyActor{}

// WithActor сохраняет аутентифицированного пользователя в контексте
// (используется HTTP middleware)
func WithActor(ctx context.Context, actor service.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext возвращает пользователя из контекста, если он был установлен
func ActorFromContext(ctx context.Context) (service.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(service.Actor)
	return actor, ok
}
