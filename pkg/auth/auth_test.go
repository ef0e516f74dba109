package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"toyapi/pkg/domain"
)

type fakeVerifier struct {
	calls  atomic.Int32
	caller domain.Caller
	err    error
	delay  time.Duration
}

func (f *fakeVerifier) VerifyToken(ctx context.Context, token string) (domain.Caller, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return domain.Caller{}, f.err
	}
	return f.caller, nil
}

// serve runs m in front of a handler recording the caller it saw.
func serve(t *testing.T, m Middleware, req *http.Request) (*httptest.ResponseRecorder, *domain.Caller) {
	t.Helper()
	var seen *domain.Caller
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			t.Fatalf("downstream reached without caller")
		}
		seen = &caller
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestStaticKeyGate(t *testing.T) {
	gate, err := NewStaticKeyGate(StaticKeyConfig{Key: "test-api-key"})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	m := Middleware{Gate: "apiKey", Authenticator: gate}

	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("x-api-key", "test-api-key")
	rec, seen := serve(t, m, req)
	if rec.Code != http.StatusNoContent || seen == nil {
		t.Fatalf("valid key: status %d, caller %v", rec.Code, seen)
	}
	if seen.UID != DefaultStaticUID {
		t.Fatalf("uid = %q, want %q", seen.UID, DefaultStaticUID)
	}

	for name, key := range map[string]string{"missing": "", "mismatch": "invalid-key", "prefix": "test-api-ke"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if key != "" {
				req.Header.Set("x-api-key", key)
			}
			rec, seen := serve(t, m, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if seen != nil {
				t.Fatalf("downstream must not run")
			}
			if got := rec.Body.String(); got != "Invalid API key. Use x-api-key header." {
				t.Fatalf("unexpected body %q", got)
			}
		})
	}
}

func TestStaticKeyGateWithHashAndCustomUID(t *testing.T) {
	hash, err := HashSecret("hashed-key")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	gate, err := NewStaticKeyGate(StaticKeyConfig{KeyHash: hash, UID: "svc-demo"})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-api-key", "hashed-key")
	caller, err := gate.Authenticate(req)
	if err != nil || caller.UID != "svc-demo" {
		t.Fatalf("authenticate: uid=%q err=%v", caller.UID, err)
	}
	req.Header.Set("x-api-key", "other")
	if _, err := gate.Authenticate(req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewStaticKeyGateRequiresSecret(t *testing.T) {
	if _, err := NewStaticKeyGate(StaticKeyConfig{}); err == nil {
		t.Fatalf("expected missing key to fail")
	}
}

func TestBearerTokenGateRejectsWithoutCallingVerifier(t *testing.T) {
	verifier := &fakeVerifier{caller: domain.Caller{UID: "user-1"}}
	m := Middleware{Gate: "bearer", Authenticator: NewBearerTokenGate(verifier, time.Second)}

	headers := map[string]string{
		"absent":       "",
		"wrong scheme": "Basic abc",
		"lowercase":    "bearer abc",
		"no token":     "Bearer ",
		"no space":     "Bearerabc",
	}
	for name, value := range headers {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/items", nil)
			if value != "" {
				req.Header.Set("Authorization", value)
			}
			rec, seen := serve(t, m, req)
			if rec.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", rec.Code)
			}
			if seen != nil {
				t.Fatalf("downstream must not run")
			}
			if got := rec.Body.String(); got != "Unauthorized" {
				t.Fatalf("unexpected body %q", got)
			}
		})
	}
	if got := verifier.calls.Load(); got != 0 {
		t.Fatalf("verifier called %d times for malformed headers", got)
	}
}

func TestBearerTokenGateVerifierRejection(t *testing.T) {
	verifier := &fakeVerifier{err: errors.New("token expired at 12:00 for kid-7")}
	var decision Decision
	m := Middleware{
		Gate:          "bearer",
		Authenticator: NewBearerTokenGate(verifier, time.Second),
		OnDecision:    func(_ *http.Request, d Decision) { decision = d },
	}
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set("Authorization", "Bearer some.jwt.token")
	rec, seen := serve(t, m, req)
	if rec.Code != http.StatusForbidden || seen != nil {
		t.Fatalf("status = %d, downstream ran = %v", rec.Code, seen != nil)
	}
	if got := rec.Body.String(); got != "Unauthorized" {
		t.Fatalf("verifier detail leaked to client: %q", got)
	}
	if !errors.Is(decision.Err, ErrForbidden) || decision.Gate != "bearer" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if got := verifier.calls.Load(); got != 1 {
		t.Fatalf("expected one verifier call, got %d", got)
	}
}

func TestBearerTokenGateTimeout(t *testing.T) {
	verifier := &fakeVerifier{caller: domain.Caller{UID: "user-1"}, delay: 200 * time.Millisecond}
	gate := NewBearerTokenGate(verifier, 20*time.Millisecond)
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set("Authorization", "Bearer slow")
	if _, err := gate.Authenticate(req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected timeout to be forbidden, got %v", err)
	}
}

func TestBearerTokenGatePassesClaimsThrough(t *testing.T) {
	verifier := &fakeVerifier{caller: domain.Caller{UID: "user-9", Claims: map[string]any{"email": "n@example.com"}}}
	m := Middleware{Gate: "bearer", Authenticator: NewBearerTokenGate(verifier, time.Second)}
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec, seen := serve(t, m, req)
	if rec.Code != http.StatusNoContent || seen == nil {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen.UID != "user-9" {
		t.Fatalf("uid = %q", seen.UID)
	}
	if v, _ := seen.Claim("email"); v != "n@example.com" {
		t.Fatalf("claims not passed through: %v", seen.Claims)
	}
}

func TestBearerTokenGateRejectsCallerWithoutUID(t *testing.T) {
	gate := NewBearerTokenGate(&fakeVerifier{caller: domain.Caller{}}, time.Second)
	req := httptest.NewRequest(http.MethodGet, "/items", nil)
	req.Header.Set("Authorization", "Bearer anonymous")
	if _, err := gate.Authenticate(req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestMiddlewareWithoutAuthenticatorFailsClosed(t *testing.T) {
	rec, seen := serve(t, Middleware{}, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusForbidden || seen != nil {
		t.Fatalf("expected fail closed, got %d", rec.Code)
	}
}

func TestCallerFromContextEmpty(t *testing.T) {
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatalf("expected no caller on bare context")
	}
}
