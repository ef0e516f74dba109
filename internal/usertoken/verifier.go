package usertoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"toyapi/pkg/domain"
)

const (
	defaultIssuer       = "toyapi-auth"
	defaultAudience     = "toyapi"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
	// defaultMinRefresh bounds how often an unknown kid may trigger a fetch.
	defaultMinRefresh = 30 * time.Second
	maxJWKSBytes      = 1 << 20
)

var (
	errUnknownKey = errors.New("unknown token key")
	// ErrSubjectMissing is returned for otherwise valid tokens without a sub claim.
	ErrSubjectMissing = errors.New("token subject missing")
)

// Config configures user token verification.
// Exactly one key source is used: StaticKeys when set, JWKSURL otherwise.
type Config struct {
	JWKSURL    string
	StaticKeys map[string]*rsa.PublicKey
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
	// MinRefreshInterval is the minimum gap between key set fetches caused
	// by unknown kids while the cached set is still fresh. Default 30s.
	MinRefreshInterval time.Duration
}

// Verifier validates RS256 user tokens against a JWKS key set and turns
// their claims into a caller identity.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client
	minRefresh time.Duration
	now        func() time.Time

	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time

	// refreshMu serializes fetches; waiters reuse the result of the fetch
	// that ran while they were blocked.
	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// NewVerifier creates a token verifier. Remote key sets are fetched eagerly.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}

	minRefresh := cfg.MinRefreshInterval
	if minRefresh <= 0 {
		minRefresh = defaultMinRefresh
	}

	v := &Verifier{
		issuer:     issuer,
		audience:   audience,
		leeway:     leeway,
		minRefresh: minRefresh,
		now:        time.Now,
	}

	if len(cfg.StaticKeys) > 0 {
		keys := make(map[string]*rsa.PublicKey, len(cfg.StaticKeys))
		for kid, key := range cfg.StaticKeys {
			if strings.TrimSpace(kid) == "" || key == nil {
				continue
			}
			keys[kid] = key
		}
		if len(keys) == 0 {
			return nil, errors.New("token verifier static keys are empty")
		}
		v.rsaKeys = keys
		return v, nil
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL or static keys")
	}
	v.jwksURL = jwksURL
	if cfg.HTTPClient != nil {
		v.httpClient = cfg.HTTPClient
	} else {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refreshJWKS(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyToken validates the token and returns the caller it identifies.
// All claims are passed through unmodified; the uid is the sub claim.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (domain.Caller, error) {
	claims, err := v.verifyJWKS(ctx, token)
	if err != nil {
		return domain.Caller{}, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return domain.Caller{}, err
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.Caller{}, ErrSubjectMissing
	}
	return domain.Caller{UID: subject, Claims: map[string]any(claims)}, nil
}

func (v *Verifier) verifyJWKS(ctx context.Context, token string) (jwt.MapClaims, error) {
	claims, err := v.parseJWKS(token)
	if err == nil {
		return claims, nil
	}
	if v.jwksURL == "" {
		return claims, err
	}
	if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
		return claims, err
	}
	refreshed, refreshErr := v.refreshIfDue(ctx)
	if refreshErr != nil {
		return claims, refreshErr
	}
	if !refreshed {
		return claims, err
	}
	return v.parseJWKS(token)
}

// refreshIfDue fetches the key set unless the last attempt was less than
// minRefresh ago. It reports whether the cached keys may have
// changed since the caller parsed the token.
func (v *Verifier) refreshIfDue(ctx context.Context) (bool, error) {
	started := v.now()
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	if v.lastRefresh.After(started) {
		// another request fetched while this one waited
		return true, nil
	}
	if v.now().Sub(v.lastRefresh) < v.minRefresh {
		return false, nil
	}
	if err := v.refreshJWKS(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Verifier) parseJWKS(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	keys := v.copyKeys()
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errUnknownKey
		}
		key, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	return claims, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.now().UTC().After(v.keysExpire)
}

func (v *Verifier) copyKeys() map[string]*rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]*rsa.PublicKey, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	v.lastRefresh = v.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	keys, err := parseRSAKeySet(body)
	if err != nil {
		return err
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = v.now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

// parseRSAKeySet keeps the RSA keys of a JWKS document that carry a kid.
func parseRSAKeySet(body []byte) (map[string]*rsa.PublicKey, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok || key.KeyType() != jwa.RSA {
			continue
		}
		kid := strings.TrimSpace(key.KeyID())
		if kid == "" {
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			continue
		}
		keys[kid] = &pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable rsa keys")
	}
	return keys, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	cacheControl = strings.TrimSpace(cacheControl)
	if cacheControl == "" {
		return 0
	}
	parts := strings.Split(cacheControl, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(part), "max-age=") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(strings.ToLower(part), "max-age="))
		secs, err := time.ParseDuration(raw + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
