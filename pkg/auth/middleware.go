package auth

import (
	"errors"
	"net/http"

	"toyapi/pkg/domain"
)

// Decision describes one gate outcome. Err is nil on success.
type Decision struct {
	Gate   string
	Caller domain.Caller
	Err    error
}

// Middleware runs an Authenticator before the wrapped handler.
type Middleware struct {
	// Gate names the strategy in decisions, e.g. "apiKey" or "bearer".
	Gate          string
	Authenticator Authenticator
	// OnDecision, when set, observes every outcome (audit, metrics).
	OnDecision func(r *http.Request, d Decision)
}

// Wrap returns a handler that only reaches next with an authenticated caller
// in the request context. Rejections answer with the failure's status and
// public message and never call next.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := m.authenticate(r)
		if m.OnDecision != nil {
			m.OnDecision(r, Decision{Gate: m.Gate, Caller: caller, Err: err})
		}
		if err != nil {
			status, msg := http.StatusForbidden, forbiddenMessage
			var failure *Failure
			if errors.As(err, &failure) {
				status, msg = failure.Status, failure.Message
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(msg))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (m Middleware) authenticate(r *http.Request) (domain.Caller, error) {
	if m.Authenticator == nil {
		return domain.Caller{}, forbidden(errors.New("no authenticator configured"))
	}
	return m.Authenticator.Authenticate(r)
}
