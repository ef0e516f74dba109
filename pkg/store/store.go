package store

import (
	"context"
	"errors"
	"time"

	"toyapi/pkg/domain"
)

// ErrInvalidItem is returned when an item cannot be persisted as given.
var ErrInvalidItem = errors.New("invalid item")

// ItemStore persists items in a single collection keyed by id.
//
// UpdateItemMessage and DeleteItem are conditional on both id and owner and
// apply atomically, so a record owned by someone else is never touched even if
// the caller skipped its own ownership read.
type ItemStore interface {
	InsertItem(ctx context.Context, item domain.Item) error
	GetItem(ctx context.Context, id string) (domain.Item, bool, error)
	ListItemsByOwner(ctx context.Context, ownerID string) ([]domain.Item, error)
	UpdateItemMessage(ctx context.Context, id, ownerID, message string, updatedAt time.Time) (domain.Item, bool, error)
	DeleteItem(ctx context.Context, id, ownerID string) (bool, error)
}

func validateNewItem(item domain.Item) error {
	switch {
	case item.ID == "":
		return errors.Join(ErrInvalidItem, errors.New("id is required"))
	case item.UserID == "":
		return errors.Join(ErrInvalidItem, errors.New("userId is required"))
	case item.Message == "":
		return errors.Join(ErrInvalidItem, errors.New("message is required"))
	}
	return nil
}
