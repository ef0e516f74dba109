package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"toyapi/pkg/domain"
)

// MemoryStore keeps items in-process. Used for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]domain.Item
	orders []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]domain.Item),
	}
}

// InsertItem stores a new item and tracks insertion order.
func (m *MemoryStore) InsertItem(_ context.Context, item domain.Item) error {
	if err := validateNewItem(item); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ID]; exists {
		return fmt.Errorf("item %q already exists", item.ID)
	}
	m.orders = append(m.orders, item.ID)
	m.items[item.ID] = item
	return nil
}

// GetItem retrieves an item by ID regardless of owner.
func (m *MemoryStore) GetItem(_ context.Context, id string) (domain.Item, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	return item, ok, nil
}

// ListItemsByOwner returns items filtered by owner in insertion order.
func (m *MemoryStore) ListItemsByOwner(_ context.Context, ownerID string) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Item, 0)
	for _, id := range m.orders {
		if item, ok := m.items[id]; ok && item.UserID == ownerID {
			res = append(res, item)
		}
	}
	return res, nil
}

// UpdateItemMessage replaces the message when id and owner both match.
func (m *MemoryStore) UpdateItemMessage(_ context.Context, id, ownerID, message string, updatedAt time.Time) (domain.Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || !item.OwnedBy(ownerID) {
		return domain.Item{}, false, nil
	}
	item.Message = message
	item.UpdatedAt = updatedAt
	m.items[id] = item
	return item, true, nil
}

// DeleteItem removes an item when id and owner both match.
func (m *MemoryStore) DeleteItem(_ context.Context, id, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || !item.OwnedBy(ownerID) {
		return false, nil
	}
	delete(m.items, id)
	filtered := m.orders[:0]
	for _, existing := range m.orders {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	m.orders = filtered
	return true, nil
}
