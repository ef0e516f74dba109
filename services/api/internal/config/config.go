package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location, overridable by TOYAPI_CONFIG.
var ConfigPath = "config.yaml"

const (
	// EnvProduction disables development fallbacks.
	EnvProduction = "production"

	// GateAPIKey and GateBearer name the authentication gates a route may use.
	GateAPIKey = "apiKey"
	GateBearer = "bearer"

	// DevAPIKey is the static key used outside production when none is set.
	DevAPIKey = "dev-api-key-123"

	defaultPort                    = "8080"
	defaultStoreDriver             = "memory"
	defaultSQLitePath              = "toyapi.db"
	defaultTokenRateLimitPerMinute = 10
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	Environment       string   `yaml:"environment"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
	CORSOrigins       []string `yaml:"corsAllowedOrigins"`

	APIKey       string `yaml:"apiKey"`
	APIKeyHash   string `yaml:"apiKeyHash"`
	StaticKeyUID string `yaml:"staticKeyUID"`
	PrivateAuth  string `yaml:"privateAuth"`
	ItemsAuth    string `yaml:"itemsAuth"`

	JWTPrivateKeyPath string `yaml:"jwtPrivateKeyPath"`
	JWTKeyID          string `yaml:"jwtKeyId"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`
	JWTTokenTTL       string `yaml:"jwtTokenTTL"`
	JWTLeeway         string `yaml:"jwtLeeway"`
	JWKSURL           string `yaml:"jwksURL"`
	VerifyTimeout     string `yaml:"verifyTimeout"`

	StoreDriver    string `yaml:"storeDriver"`
	DatabaseURL    string `yaml:"databaseURL"`
	SQLitePath     string `yaml:"sqlitePath"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisKeyPrefix string `yaml:"redisKeyPrefix"`

	// TokenRateLimitPerMinute caps POST /auth/token per client IP. Unset
	// means the default of 10; 0 disables the limit.
	TokenRateLimitPerMinute *int `yaml:"tokenRateLimitPerMinute"`
}

// Path returns TOYAPI_CONFIG when set, else ConfigPath.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("TOYAPI_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path (defaults to Path()). A missing file is not an
// error: defaults and environment variables alone are enough to run.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Environment, "TOYAPI_ENV")
	setString(&cfg.APIKey, "API_KEY")
	setString(&cfg.APIKeyHash, "API_KEY_HASH")
	setString(&cfg.StaticKeyUID, "TOYAPI_STATIC_KEY_UID")
	setString(&cfg.PrivateAuth, "TOYAPI_PRIVATE_AUTH")
	setString(&cfg.ItemsAuth, "TOYAPI_ITEMS_AUTH")
	setString(&cfg.JWTPrivateKeyPath, "JWT_PRIVATE_KEY_PATH")
	setString(&cfg.JWTKeyID, "JWT_KEY_ID")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTTokenTTL, "JWT_TOKEN_TTL")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.JWKSURL, "JWT_JWKS_URL")
	setString(&cfg.StoreDriver, "STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.SQLitePath, "SQLITE_PATH")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("TOYAPI_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("TOYAPI_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TOYAPI_TOKEN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.TokenRateLimitPerMinute = &n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.PrivateAuth == "" {
		cfg.PrivateAuth = GateAPIKey
	}
	if cfg.ItemsAuth == "" {
		cfg.ItemsAuth = GateAPIKey
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	if cfg.StoreDriver == "sqlite" && cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}
	if cfg.TokenRateLimitPerMinute == nil {
		limit := defaultTokenRateLimitPerMinute
		cfg.TokenRateLimitPerMinute = &limit
	}
	if !cfg.IsProduction() && cfg.APIKey == "" && cfg.APIKeyHash == "" {
		cfg.APIKey = DevAPIKey
	}
}

// TokenRateLimit returns the per-minute token request budget; 0 means unlimited.
func (c FileConfig) TokenRateLimit() int {
	if c.TokenRateLimitPerMinute == nil {
		return 0
	}
	return *c.TokenRateLimitPerMinute
}

// IsProduction reports whether development fallbacks are disabled.
func (c FileConfig) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required")
	}
	if cfg.APIKey == "" && cfg.APIKeyHash == "" {
		return errors.New("config: apiKey or apiKeyHash is required in production (set in config.yaml or API_KEY)")
	}
	if cfg.IsProduction() && cfg.APIKey == DevAPIKey {
		return errors.New("config: the development api key must not be used in production")
	}
	if err := validateGate("privateAuth", cfg.PrivateAuth); err != nil {
		return err
	}
	if err := validateGate("itemsAuth", cfg.ItemsAuth); err != nil {
		return err
	}
	switch cfg.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: databaseURL is required for the postgres store")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	if cfg.TokenRateLimit() < 0 {
		return errors.New("config: tokenRateLimitPerMinute must be >= 0")
	}
	for _, d := range []struct{ name, value string }{
		{"jwtTokenTTL", cfg.JWTTokenTTL},
		{"jwtLeeway", cfg.JWTLeeway},
		{"verifyTimeout", cfg.VerifyTimeout},
	} {
		if _, err := ParseDuration(d.name, d.value); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

func validateGate(name, gate string) error {
	if gate != GateAPIKey && gate != GateBearer {
		return fmt.Errorf("config: %s must be %q or %q, got %q", name, GateAPIKey, GateBearer, gate)
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseDuration parses an optional duration setting; empty means zero.
func ParseDuration(name, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}
