// Package middleware содержит HTTP middleware сервиса голосового переводчика.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
)

const authHeaderName = "X-Internal-Token"

// AuthMiddleware проверяет общий секрет внутреннего API. Эндпоинт постбэков
// провайдера через него не проходит: тот аутентифицируется подписанным токеном.
type AuthMiddleware struct {
	secretSum [sha256.Size]byte
	enabled   bool
}

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретом.
// Пустой секрет отключает проверку (локальная разработка).
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{
		secretSum: sha256.Sum256([]byte(secret)),
		enabled:   secret != "",
	}
}

// Middleware отклоняет запросы без корректного заголовка X-Internal-Token.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(authHeaderName)
		if token == "" || !a.tokenValid(token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tokenValid сравнивает хэши, чтобы сравнение шло за постоянное время
// и не зависело от длины присланного значения.
func (a *AuthMiddleware) tokenValid(token string) bool {
	tokenSum := sha256.Sum256([]byte(token))
	return hmac.Equal(tokenSum[:], a.secretSum[:])
}
