// Package auth provides request authentication for the HTTP endpoint. It
// supports pluggable providers; the built-in ones validate static bearer
// tokens and API keys. Authentication is independent of session state: a
// session id is never a credential.
package auth

import (
	"context"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

// UserInfo identifies an authenticated caller
type UserInfo struct {
	// Subject is the stable identifier of the caller
	Subject string `json:"subject"`
	// Roles are the caller's granted roles
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the user holds a role
func (u *UserInfo) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Provider validates one kind of credential
type Provider interface {
	// Validate checks a credential and returns the caller it belongs to
	Validate(ctx context.Context, credential string) (*UserInfo, error)

	// Scheme names the credential kind, e.g. "bearer" or "apikey"
	Scheme() string
}

// ErrInvalidCredential is returned by providers for any credential that
// does not validate. Providers never distinguish unknown from malformed,
// so responses leak nothing about which keys exist.
func ErrInvalidCredential() errors.StructuredError {
	return errors.New(protocol.InvalidRequest, "invalid credentials",
		errors.CategoryTransport, errors.SeverityWarning)
}

type userContextKey struct{}

// ContextWithUser tags a context with the authenticated caller
func ContextWithUser(ctx context.Context, user *UserInfo) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext extracts the authenticated caller, nil if anonymous
func UserFromContext(ctx context.Context) *UserInfo {
	if user, ok := ctx.Value(userContextKey{}).(*UserInfo); ok {
		return user
	}
	return nil
}
