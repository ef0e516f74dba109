package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"toyapi/internal/util"
	"toyapi/pkg/domain"
	"toyapi/pkg/store"
)

// Store drivers accepted by Config.StoreDriver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// TokenIssuer mints bearer tokens for a uid.
type TokenIssuer interface {
	IssueToken(ctx context.Context, uid string) (string, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	StoreDriver    string
	DatabaseURL    string
	SQLitePath     string
	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string

	// Store overrides StoreDriver when set.
	Store  store.ItemStore
	Tokens TokenIssuer
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// App implements the ownership-scoped item operations.
type App struct {
	items  store.ItemStore
	tokens TokenIssuer
	now    func() time.Time
}

// New constructs the application and opens the configured item store.
func New(cfg Config) (*App, error) {
	items := cfg.Store
	if items == nil {
		var err error
		items, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{items: items, tokens: cfg.Tokens, now: now}, nil
}

func openStore(cfg Config) (store.ItemStore, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.StoreDriver)); driver {
	case "", DriverMemory:
		return store.NewMemoryStore(), nil
	case DriverSQLite:
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required for postgres store")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("redis addr required for redis store")
		}
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisKeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Close releases the item store when it holds resources.
func (a *App) Close() error {
	if c, ok := a.items.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CreateItem stores a new item owned by caller. createdAt and updatedAt are
// the same instant.
func (a *App) CreateItem(ctx context.Context, message string, caller domain.Caller) (domain.Item, error) {
	if !caller.Valid() {
		return domain.Item{}, ErrCallerRequired
	}
	if message == "" {
		return domain.Item{}, ErrMessageRequired
	}
	now := a.timestamp()
	item := domain.Item{
		ID:        util.NewID(),
		Message:   message,
		UserID:    caller.UID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.items.InsertItem(ctx, item); err != nil {
		return domain.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// GetItem returns the item when it exists and belongs to caller.
func (a *App) GetItem(ctx context.Context, id string, caller domain.Caller) (domain.Item, bool, error) {
	return a.ownedItem(ctx, id, caller)
}

// ListItems returns every item owned by caller, never nil.
func (a *App) ListItems(ctx context.Context, caller domain.Caller) ([]domain.Item, error) {
	if !caller.Valid() {
		return nil, ErrCallerRequired
	}
	items, err := a.items.ListItemsByOwner(ctx, caller.UID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if items == nil {
		items = []domain.Item{}
	}
	return items, nil
}

// UpdateItem replaces the message of an item owned by caller and refreshes
// updatedAt. It reports false when the item is absent or owned by someone else.
func (a *App) UpdateItem(ctx context.Context, id string, caller domain.Caller, update domain.ItemUpdate) (domain.Item, bool, error) {
	if update.Message == "" {
		return domain.Item{}, false, ErrMessageRequired
	}
	current, ok, err := a.ownedItem(ctx, id, caller)
	if err != nil || !ok {
		return domain.Item{}, false, err
	}
	updatedAt := a.timestamp()
	if updatedAt.Before(current.UpdatedAt) {
		updatedAt = current.UpdatedAt
	}
	// The write is conditional on the owner too; a concurrent delete
	// between the read and here surfaces as not found.
	updated, ok, err := a.items.UpdateItemMessage(ctx, id, caller.UID, update.Message, updatedAt)
	if err != nil {
		return domain.Item{}, false, fmt.Errorf("update item: %w", err)
	}
	return updated, ok, nil
}

// DeleteItem removes an item owned by caller. A second delete of the same id
// reports false.
func (a *App) DeleteItem(ctx context.Context, id string, caller domain.Caller) (bool, error) {
	if _, ok, err := a.ownedItem(ctx, id, caller); err != nil || !ok {
		return false, err
	}
	deleted, err := a.items.DeleteItem(ctx, id, caller.UID)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return deleted, nil
}

// IssueToken mints a bearer token for uid.
func (a *App) IssueToken(ctx context.Context, uid string) (string, error) {
	if strings.TrimSpace(uid) == "" {
		return "", ErrUIDRequired
	}
	if a.tokens == nil {
		return "", ErrTokenIssuerUnavailable
	}
	return a.tokens.IssueToken(ctx, uid)
}

// ownedItem is the single ownership rule for reads, updates and deletes:
// absent and foreign items look the same.
func (a *App) ownedItem(ctx context.Context, id string, caller domain.Caller) (domain.Item, bool, error) {
	if !caller.Valid() {
		return domain.Item{}, false, ErrCallerRequired
	}
	if id == "" {
		return domain.Item{}, false, nil
	}
	item, ok, err := a.items.GetItem(ctx, id)
	if err != nil {
		return domain.Item{}, false, fmt.Errorf("get item: %w", err)
	}
	if !ok || !item.OwnedBy(caller.UID) {
		return domain.Item{}, false, nil
	}
	return item, true, nil
}

func (a *App) timestamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}
