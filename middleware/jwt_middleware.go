package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"go-where/identity"
	"go-where/utils/errors"
)

var ErrInvalidToken = errors.NewAPIError("INVALID_TOKEN", "Invalid or expired token", http.StatusUnauthorized)

// JWTMiddleware authenticates the bearer token and puts the user key on the
// request context. Browsers cannot set headers on a WebSocket handshake, so
// a token query parameter is accepted as well.
func JWTMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				WriteError(w, errors.ErrUnauthorized)
				return
			}

			userKey, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := identity.WithUserKey(r.Context(), userKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseToken validates an HS256 token and returns its user key.
func ParseToken(jwtSecret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.NewAPIError("INVALID_TOKEN", "Unexpected signing method", http.StatusUnauthorized)
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	userKey, ok := claims["userKey"].(string)
	if !ok || identity.NormalizeKey(userKey) == "" {
		return "", ErrInvalidToken
	}
	return identity.NormalizeKey(userKey), nil
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
