package gateway

import (
	"context"
	"strings"

	"github.com/HMasataka/carelink/pkg/errors"
)

// ErrInvalidToken is returned by validators that do not know a token
var ErrInvalidToken = errors.New(errors.ErrorTypeUnauthorized, "INVALID_TOKEN", "invalid token")

// TokenValidator resolves a bearer token to a user id
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// TokenValidatorFunc adapts a function to TokenValidator
type TokenValidatorFunc func(ctx context.Context, token string) (string, error)

// Validate implements TokenValidator
func (f TokenValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticTokens maps tokens to user ids
type StaticTokens map[string]string

// Validate implements TokenValidator
func (t StaticTokens) Validate(_ context.Context, token string) (string, error) {
	userID, ok := t[token]
	if !ok || token == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
