package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"toyapi/pkg/domain"
)

// SQLiteStore implements ItemStore on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS items (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  message    TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_user_id ON items(user_id);
`)
	return err
}

// InsertItem stores a new item.
func (s *SQLiteStore) InsertItem(ctx context.Context, item domain.Item) error {
	if err := validateNewItem(item); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO items(id, user_id, message, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)
`, item.ID, item.UserID, item.Message, item.CreatedAt.UnixMicro(), item.UpdatedAt.UnixMicro())
	return err
}

// GetItem retrieves an item by ID regardless of owner.
func (s *SQLiteStore) GetItem(ctx context.Context, id string) (domain.Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, message, created_at, updated_at
FROM items
WHERE id = ?
`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, false, nil
	}
	if err != nil {
		return domain.Item{}, false, err
	}
	return item, true, nil
}

// ListItemsByOwner returns the owner's items ordered by creation time.
func (s *SQLiteStore) ListItemsByOwner(ctx context.Context, ownerID string) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, message, created_at, updated_at
FROM items
WHERE user_id = ?
ORDER BY created_at ASC
`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateItemMessage updates and returns the row in one statement.
func (s *SQLiteStore) UpdateItemMessage(ctx context.Context, id, ownerID, message string, updatedAt time.Time) (domain.Item, bool, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE items
SET message = ?, updated_at = ?
WHERE id = ? AND user_id = ?
RETURNING id, user_id, message, created_at, updated_at
`, message, updatedAt.UnixMicro(), id, ownerID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, false, nil
	}
	if err != nil {
		return domain.Item{}, false, err
	}
	return item, true, nil
}

// DeleteItem removes an item when id and owner both match.
func (s *SQLiteStore) DeleteItem(ctx context.Context, id, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ? AND user_id = ?`, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.Item, error) {
	var item domain.Item
	var createdAt, updatedAt int64
	if err := row.Scan(&item.ID, &item.UserID, &item.Message, &createdAt, &updatedAt); err != nil {
		return domain.Item{}, err
	}
	item.CreatedAt = time.UnixMicro(createdAt).UTC()
	item.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	return item, nil
}
