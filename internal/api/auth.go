package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// BearerAuth rejects requests whose Authorization header does not carry token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewToken returns a random bridge token for when none is configured.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
