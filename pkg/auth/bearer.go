package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"toyapi/pkg/domain"
)

const (
	bearerPrefix         = "Bearer "
	forbiddenMessage     = "Unauthorized"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	errMissingBearer = errors.New("authorization header missing or not a bearer token")
	errEmptyCaller   = errors.New("verifier returned caller without uid")
)

// TokenVerifier validates an opaque bearer token.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (domain.Caller, error)
}

// BearerTokenGate admits requests carrying a token the verifier accepts.
type BearerTokenGate struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewBearerTokenGate builds the gate. timeout bounds each verification;
// zero or negative selects a 5s default.
func NewBearerTokenGate(verifier TokenVerifier, timeout time.Duration) *BearerTokenGate {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	return &BearerTokenGate{verifier: verifier, timeout: timeout}
}

// Authenticate extracts the bearer token and verifies it. Every failure,
// including a verifier timeout, is a 403 with a generic message.
func (g *BearerTokenGate) Authenticate(r *http.Request) (domain.Caller, error) {
	token, ok := BearerToken(r)
	if !ok {
		return domain.Caller{}, forbidden(errMissingBearer)
	}
	if g.verifier == nil {
		return domain.Caller{}, forbidden(errors.New("no token verifier configured"))
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	defer cancel()

	type result struct {
		caller domain.Caller
		err    error
	}
	done := make(chan result, 1)
	go func() {
		caller, err := g.verifier.VerifyToken(ctx, token)
		done <- result{caller: caller, err: err}
	}()

	select {
	case <-ctx.Done():
		return domain.Caller{}, forbidden(ctx.Err())
	case res := <-done:
		if res.err != nil {
			return domain.Caller{}, forbidden(res.err)
		}
		if !res.caller.Valid() {
			return domain.Caller{}, forbidden(errEmptyCaller)
		}
		return res.caller, nil
	}
}

// BearerToken returns the token following the literal "Bearer " prefix.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func forbidden(err error) *Failure {
	return &Failure{Status: http.StatusForbidden, Message: forbiddenMessage, Err: err}
}
