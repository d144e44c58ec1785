package journal

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrNotAuthenticated is returned by every user-scoped operation called
// without a username.
var ErrNotAuthenticated = errors.New("not authenticated")

const maxUsernameLength = 128

type userKey struct{}

// WithUser returns a context carrying the acting username.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey{}, username)
}

// UserFrom returns the username stored by WithUser, or ErrNotAuthenticated.
func UserFrom(ctx context.Context) (string, error) {
	u, _ := ctx.Value(userKey{}).(string)
	if u == "" {
		return "", ErrNotAuthenticated
	}
	return u, nil
}

// CleanUsername trims u and rejects values that are empty, too long or
// contain control characters.
func CleanUsername(u string) (string, error) {
	u = strings.TrimSpace(u)
	if u == "" || len(u) > maxUsernameLength {
		return "", ErrNotAuthenticated
	}
	for _, r := range u {
		if unicode.IsControl(r) {
			return "", ErrNotAuthenticated
		}
	}
	return u, nil
}
