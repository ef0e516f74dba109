package usertoken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func TestSignerIssuesTokensTheVerifierAccepts(t *testing.T) {
	signer, err := NewSigner(SignerOptions{Issuer: "issuer-a", Audience: "aud-a", KeyID: "kid-a"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	v, err := NewVerifier(context.Background(), Config{
		StaticKeys: signer.PublicKeys(),
		Issuer:     signer.Issuer(),
		Audience:   signer.Audience(),
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	caller, err := v.VerifyToken(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if caller.UID != "user-1" {
		t.Fatalf("uid = %q, want user-1", caller.UID)
	}
	if jti, _ := caller.Claim("jti"); jti == "" || jti == nil {
		t.Fatalf("expected jti claim, got %v", jti)
	}
}

func TestSignerRejectsEmptySubject(t *testing.T) {
	signer, err := NewSigner(SignerOptions{})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := signer.Issue("  "); err == nil {
		t.Fatalf("expected empty uid to be rejected")
	}
}

func TestSignerTokensExpire(t *testing.T) {
	signer, err := NewSigner(SignerOptions{TTL: time.Minute})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := signer.Issue("user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	v, err := NewVerifier(context.Background(), Config{StaticKeys: signer.PublicKeys()})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.VerifyToken(context.Background(), token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestSignerJWKSServesRemoteVerifier(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "token.pem")
	if err := WriteRSAPrivateKeyPEM(keyPath, 2048); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: keyPath})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	doc, err := signer.JWKS()
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Issue("user-remote")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	caller, err := v.VerifyToken(context.Background(), token)
	if err != nil || caller.UID != "user-remote" {
		t.Fatalf("verify: uid=%q err=%v", caller.UID, err)
	}
}

func TestLoadRSAPrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := LoadRSAPrivateKeyFromPEMFile(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
