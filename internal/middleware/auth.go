// Package middleware содержит HTTP middleware для API управления сервисом записи.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"
)

const (
	bearerPrefix = "Bearer "
	tokenParam   = "access_token"
)

// AuthMiddleware проверяет токен доступа из заголовка Authorization. Для потока
// событий, где заголовок задать нельзя, токен принимается из параметра access_token.
// Пустой токен отключает проверку.
type AuthMiddleware struct {
	digest []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным токеном.
func NewAuthMiddleware(token string) *AuthMiddleware {
	if token == "" {
		return &AuthMiddleware{}
	}
	return &AuthMiddleware{digest: digest(token)}
}

// Enabled сообщает, включена ли проверка.
func (a *AuthMiddleware) Enabled() bool {
	return a.digest != nil
}

// Middleware отклоняет запросы без верного токена.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := tokenFromRequest(r)
		if !ok || !hmac.Equal(digest(token), a.digest) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="allocation-booker"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		token := strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
		return token, token != ""
	}
	if token := r.URL.Query().Get(tokenParam); token != "" {
		return token, true
	}
	return "", false
}

// digest выравнивает длину сравниваемых значений.
func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
