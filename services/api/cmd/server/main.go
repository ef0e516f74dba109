package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"toyapi/internal/metrics"
	"toyapi/internal/ratelimit"
	"toyapi/internal/security"
	"toyapi/internal/util"
	"toyapi/pkg/auth"
	"toyapi/pkg/identity"
	"toyapi/services/api/internal/app"
	"toyapi/services/api/internal/config"
	"toyapi/services/api/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("toyapi", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.FileConfig) error {
	tokenTTL, _ := config.ParseDuration("jwtTokenTTL", cfg.JWTTokenTTL)
	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	verifyTimeout, _ := config.ParseDuration("verifyTimeout", cfg.VerifyTimeout)

	provider, err := identity.Initialize(ctx, identity.Config{
		PrivateKeyPath: cfg.JWTPrivateKeyPath,
		KeyID:          cfg.JWTKeyID,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		TokenTTL:       tokenTTL,
		Leeway:         leeway,
		JWKSURL:        cfg.JWKSURL,
	})
	if err != nil {
		return err
	}
	defer identity.Shutdown()
	if cfg.JWTPrivateKeyPath == "" {
		slog.Warn("no jwtPrivateKeyPath configured; tokens are signed with an ephemeral key")
	}

	appCore, err := app.New(app.Config{
		StoreDriver:    cfg.StoreDriver,
		DatabaseURL:    cfg.DatabaseURL,
		SQLitePath:     cfg.SQLitePath,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		RedisKeyPrefix: cfg.RedisKeyPrefix,
		Tokens:         provider,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := appCore.Close(); err != nil {
			slog.Warn("close item store", "err", err)
		}
	}()

	staticGate, err := auth.NewStaticKeyGate(auth.StaticKeyConfig{
		Key:     cfg.APIKey,
		KeyHash: cfg.APIKeyHash,
		UID:     cfg.StaticKeyUID,
	})
	if err != nil {
		return err
	}
	if !cfg.IsProduction() && cfg.APIKey == config.DevAPIKey {
		slog.Warn("using the development api key", "environment", cfg.Environment)
	}

	limiter, err := newTokenLimiter(cfg)
	if err != nil {
		return err
	}
	defer limiter.Close()

	alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "", nil)
	defer alerter.Close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return err
	}

	httpServer, err := server.New(server.Config{
		App: appCore,
		Gates: map[string]auth.Authenticator{
			config.GateAPIKey: staticGate,
			config.GateBearer: auth.NewBearerTokenGate(provider, verifyTimeout),
		},
		PrivateAuth:    cfg.PrivateAuth,
		ItemsAuth:      cfg.ItemsAuth,
		JWKS:           provider,
		TokenLimiter:   limiter,
		Metrics:        metrics.New(),
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Alerter:        alerter,
	})
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening",
			"addr", addr,
			"store", cfg.StoreDriver,
			"private_auth", cfg.PrivateAuth,
			"items_auth", cfg.ItemsAuth,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newTokenLimiter returns nil when tokenRateLimitPerMinute is 0.
func newTokenLimiter(cfg config.FileConfig) (*ratelimit.FixedWindowLimiter, error) {
	limit := cfg.TokenRateLimit()
	if limit <= 0 {
		slog.Warn("token rate limit disabled")
		return nil, nil
	}
	if cfg.RedisAddr != "" {
		return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "toyapi:ratelimit:token", limit, time.Minute)
	}
	slog.Warn("no redisAddr configured; token rate limit is per process")
	return ratelimit.NewMemoryFixedWindowLimiter(limit, time.Minute)
}
