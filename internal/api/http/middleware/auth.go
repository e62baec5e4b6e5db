package middleware

import (
	"net/http"

	"github.com/knigoland/order/internal/authctx"
	"github.com/knigoland/order/internal/service"
)

// WithActor — HTTP middleware: читает заголовки x-user-id и x-user-role,
// проставленные API-гейтвеем после проверки сессии. При отсутствии
// x-user-id возвращает 401, иначе кладёт пользователя в context
func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("x-user-id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}
		actor := service.Actor{
			UserID: userID,
			Admin:  r.Header.Get("x-user-role") == "admin",
		}
		ctx := authctx.WithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
