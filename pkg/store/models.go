package store

import (
	"time"

	"toyapi/pkg/domain"
)

// ItemModel is the GORM model for the items collection.
type ItemModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Message   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName pins the table name so every backend shares one schema.
func (ItemModel) TableName() string {
	return "items"
}

func itemToModel(item domain.Item) ItemModel {
	return ItemModel{
		ID:        item.ID,
		UserID:    item.UserID,
		Message:   item.Message,
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

func itemFromModel(m ItemModel) domain.Item {
	return domain.Item{
		ID:        m.ID,
		UserID:    m.UserID,
		Message:   m.Message,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}
