package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kalambet/memoir/internal/journal"
)

// UserHeader names the acting journal user on every scoped request.
const UserHeader = "X-Memoir-User"

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

// RequireUser reads the user from UserHeader into the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := journal.CleanUsername(r.Header.Get(UserHeader))
		if err != nil {
			httpError(w, http.StatusUnauthorized, "not_authenticated", "missing or invalid %s header", UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(journal.WithUser(r.Context(), user)))
	})
}
