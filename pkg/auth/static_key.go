package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"toyapi/pkg/domain"
)

const (
	// DefaultAPIKeyHeader carries the shared secret.
	DefaultAPIKeyHeader = "x-api-key"
	// DefaultStaticUID is the identity every static-key holder acts as.
	DefaultStaticUID = "test-user-123"

	invalidAPIKeyMessage = "Invalid API key. Use x-api-key header."
)

// StaticKeyConfig configures a StaticKeyGate. Either Key or KeyHash (bcrypt)
// must be set; KeyHash wins when both are present.
type StaticKeyConfig struct {
	Header  string
	Key     string
	KeyHash string
	UID     string
}

// StaticKeyGate admits requests presenting one shared secret. It cannot tell
// holders of the secret apart: all of them act as the same fixed UID.
type StaticKeyGate struct {
	header  string
	keySum  [sha256.Size]byte
	keyHash string
	uid     string
}

// NewStaticKeyGate validates cfg and builds the gate.
func NewStaticKeyGate(cfg StaticKeyConfig) (*StaticKeyGate, error) {
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	uid := strings.TrimSpace(cfg.UID)
	if uid == "" {
		uid = DefaultStaticUID
	}
	g := &StaticKeyGate{
		header:  header,
		keyHash: strings.TrimSpace(cfg.KeyHash),
		uid:     uid,
	}
	if g.keyHash == "" {
		if cfg.Key == "" {
			return nil, errors.New("static key gate requires a key or key hash")
		}
		g.keySum = sha256.Sum256([]byte(cfg.Key))
	}
	return g, nil
}

// Authenticate checks the configured header against the shared secret.
func (g *StaticKeyGate) Authenticate(r *http.Request) (domain.Caller, error) {
	presented := r.Header.Get(g.header)
	if presented == "" {
		return domain.Caller{}, unauthorized(errors.New("api key header missing"))
	}
	if !g.matches(presented) {
		return domain.Caller{}, unauthorized(errors.New("api key mismatch"))
	}
	return domain.Caller{UID: g.uid}, nil
}

func (g *StaticKeyGate) matches(presented string) bool {
	if g.keyHash != "" {
		return CheckSecret(presented, g.keyHash)
	}
	sum := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(sum[:], g.keySum[:]) == 1
}

func unauthorized(err error) *Failure {
	return &Failure{Status: http.StatusUnauthorized, Message: invalidAPIKeyMessage, Err: err}
}
