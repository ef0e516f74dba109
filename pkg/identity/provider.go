// Package identity owns the process-wide identity provider handle: the token
// signer behind POST /auth/token and the verifier behind the bearer gate.
//
// Initialize is called once at startup. Later calls are no-ops that return the
// existing handle; Shutdown drops it so the next Initialize starts fresh.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"toyapi/internal/usertoken"
	"toyapi/pkg/domain"
)

// ErrNotInitialized is returned by Current before Initialize succeeded.
var ErrNotInitialized = errors.New("identity provider not initialized")

// Config configures token issuance and verification.
type Config struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	Leeway         time.Duration
	// JWKSURL points at an external provider's key set. When empty, tokens
	// are verified against this process's own signing key.
	JWKSURL string
}

// Provider issues and verifies user tokens.
type Provider struct {
	signer   *usertoken.Signer
	verifier *usertoken.Verifier
}

var (
	mu      sync.Mutex
	current *Provider
)

// Initialize builds the process-wide provider, or returns the existing one.
func Initialize(ctx context.Context, cfg Config) (*Provider, error) {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return current, nil
	}
	p, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	current = p
	return p, nil
}

// Current returns the provider set up by Initialize.
func Current() (*Provider, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil, ErrNotInitialized
	}
	return current, nil
}

// Shutdown releases the process-wide provider.
func Shutdown() {
	mu.Lock()
	current = nil
	mu.Unlock()
}

// New builds a standalone provider without touching process state.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	signer, err := usertoken.NewSigner(usertoken.SignerOptions{
		PrivateKeyPath: cfg.PrivateKeyPath,
		KeyID:          cfg.KeyID,
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		TTL:            cfg.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("init token signer: %w", err)
	}
	verifierCfg := usertoken.Config{
		Issuer:   signer.Issuer(),
		Audience: signer.Audience(),
		Leeway:   cfg.Leeway,
	}
	if jwksURL := strings.TrimSpace(cfg.JWKSURL); jwksURL != "" {
		verifierCfg.JWKSURL = jwksURL
	} else {
		verifierCfg.StaticKeys = signer.PublicKeys()
	}
	verifier, err := usertoken.NewVerifier(ctx, verifierCfg)
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	return &Provider{signer: signer, verifier: verifier}, nil
}

// VerifyToken validates a bearer token and returns the caller it names.
func (p *Provider) VerifyToken(ctx context.Context, token string) (domain.Caller, error) {
	return p.verifier.VerifyToken(ctx, token)
}

// IssueToken mints a token for uid.
func (p *Provider) IssueToken(ctx context.Context, uid string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.signer.Issue(uid)
}

// JWKS returns the signing keys as a JWKS document.
func (p *Provider) JWKS() ([]byte, error) {
	return p.signer.JWKS()
}
