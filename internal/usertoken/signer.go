package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// DefaultKeyID is the kid stamped on issued tokens when none is configured.
	DefaultKeyID = "toyapi-active"
	// DefaultTokenTTL is the lifetime of issued user tokens.
	DefaultTokenTTL = time.Hour

	generatedKeyBits = 2048
)

// SignerOptions configures user token issuance.
type SignerOptions struct {
	// PrivateKeyPath points at a PEM RSA key. Empty generates an ephemeral
	// key, which only makes sense for single-instance development setups.
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	Audience       string
	TTL            time.Duration
}

// Signer issues RS256 user tokens and publishes its public key as JWKS.
type Signer struct {
	key      *rsa.PrivateKey
	kid      string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewSigner builds a signer from options.
func NewSigner(opts SignerOptions) (*Signer, error) {
	var (
		key *rsa.PrivateKey
		err error
	)
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path != "" {
		key, err = LoadRSAPrivateKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load token private key: %w", err)
		}
	} else {
		key, err = rsa.GenerateKey(rand.Reader, generatedKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate token key: %w", err)
		}
	}
	return NewSignerFromKey(key, opts), nil
}

// NewSignerFromKey builds a signer around an already loaded key.
func NewSignerFromKey(key *rsa.PrivateKey, opts SignerOptions) *Signer {
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{
		key:      key,
		kid:      kid,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue signs a token whose subject is uid.
func (s *Signer) Issue(uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", errors.New("token subject is required")
	}
	if s == nil || s.key == nil {
		return "", errors.New("token signer not configured")
	}
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        randomHexID(12),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// KeyID returns the kid stamped on issued tokens.
func (s *Signer) KeyID() string { return s.kid }

// Issuer returns the iss claim of issued tokens.
func (s *Signer) Issuer() string { return s.issuer }

// Audience returns the aud claim of issued tokens.
func (s *Signer) Audience() string { return s.audience }

// PublicKeys returns the verification keys by kid.
func (s *Signer) PublicKeys() map[string]*rsa.PublicKey {
	return map[string]*rsa.PublicKey{s.kid: &s.key.PublicKey}
}

// JWKS returns the public keys as a JSON Web Key Set document.
func (s *Signer) JWKS() ([]byte, error) {
	keys := s.PublicKeys()
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := jwk.NewSet()
	for _, kid := range kids {
		key, err := jwk.FromRaw(keys[kid])
		if err != nil {
			return nil, fmt.Errorf("encode jwk %q: %w", kid, err)
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

// LoadRSAPrivateKeyFromPEMFile reads a PKCS#1 or PKCS#8 RSA private key.
func LoadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

// WriteRSAPrivateKeyPEM generates a new key and writes it as PKCS#8 PEM.
func WriteRSAPrivateKeyPEM(path string, bits int) error {
	if bits <= 0 {
		bits = generatedKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(path, data, 0o600)
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
