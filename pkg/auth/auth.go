// Package auth turns request credentials into a domain.Caller.
//
// Two gates implement Authenticator: StaticKeyGate (shared secret header,
// fixed synthetic identity, 401 on failure) and BearerTokenGate (verified
// bearer token, 403 on failure). Middleware runs a gate in front of a handler
// and attaches the caller to the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"toyapi/pkg/domain"
)

var (
	// ErrUnauthorized matches failures answered with 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden matches failures answered with 403.
	ErrForbidden = errors.New("forbidden")
)

// Authenticator resolves the caller behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Caller, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (domain.Caller, error)

// Authenticate calls f(r).
func (f AuthenticatorFunc) Authenticate(r *http.Request) (domain.Caller, error) {
	return f(r)
}

// Failure is a rejected authentication attempt. Message is safe to send to
// the client; Err holds detail for server-side logs only.
type Failure struct {
	Status  int
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("auth failure (%d)", f.Status)
	}
	return fmt.Sprintf("auth failure (%d): %v", f.Status, f.Err)
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error { return f.Err }

// Is lets errors.Is match ErrUnauthorized and ErrForbidden by status.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return f.Status == http.StatusUnauthorized
	case ErrForbidden:
		return f.Status == http.StatusForbidden
	}
	return false
}

type callerContextKey struct{}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller attached by Middleware.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	if ctx == nil {
		return domain.Caller{}, false
	}
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}
