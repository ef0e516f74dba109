package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"toyapi/pkg/domain"
)

const migrateLockID int64 = 51190117

// GormStore implements ItemStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ItemModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// serializes AutoMigrate across replicas starting at the same time.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// InsertItem stores a new item.
func (s *GormStore) InsertItem(ctx context.Context, item domain.Item) error {
	if err := validateNewItem(item); err != nil {
		return err
	}
	model := itemToModel(item)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetItem retrieves an item by ID regardless of owner.
func (s *GormStore) GetItem(ctx context.Context, id string) (domain.Item, bool, error) {
	var model ItemModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Item{}, false, nil
		}
		return domain.Item{}, false, err
	}
	return itemFromModel(model), true, nil
}

// ListItemsByOwner returns items filtered by owner ordered by created_at.
func (s *GormStore) ListItemsByOwner(ctx context.Context, ownerID string) ([]domain.Item, error) {
	var models []ItemModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Item, 0, len(models))
	for _, m := range models {
		res = append(res, itemFromModel(m))
	}
	return res, nil
}

// UpdateItemMessage runs a single UPDATE ... WHERE id AND user_id RETURNING *.
func (s *GormStore) UpdateItemMessage(ctx context.Context, id, ownerID, message string, updatedAt time.Time) (domain.Item, bool, error) {
	var models []ItemModel
	res := updateOwnedItem(s.db.WithContext(ctx), &models, id, ownerID, message, updatedAt)
	if res.Error != nil {
		return domain.Item{}, false, res.Error
	}
	if res.RowsAffected == 0 || len(models) == 0 {
		return domain.Item{}, false, nil
	}
	return itemFromModel(models[0]), true, nil
}

// DeleteItem removes an item when id and owner both match.
func (s *GormStore) DeleteItem(ctx context.Context, id, ownerID string) (bool, error) {
	res := deleteOwnedItem(s.db.WithContext(ctx), id, ownerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func updateOwnedItem(db *gorm.DB, dest *[]ItemModel, id, ownerID, message string, updatedAt time.Time) *gorm.DB {
	return db.Model(dest).
		Clauses(clause.Returning{}).
		Where("id = ? AND user_id = ?", id, ownerID).
		Updates(map[string]any{
			"message":    message,
			"updated_at": updatedAt,
		})
}

func deleteOwnedItem(db *gorm.DB, id, ownerID string) *gorm.DB {
	return db.Delete(&ItemModel{}, "id = ? AND user_id = ?", id, ownerID)
}
