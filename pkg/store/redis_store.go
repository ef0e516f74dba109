package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"toyapi/pkg/domain"
)

const (
	defaultRedisItemPrefix = "toyapi:items"
	redisOpTimeout         = 3 * time.Second
)

var itemFields = []string{"id", "user_id", "message", "created_at", "updated_at"}

var insertItemScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "user_id", ARGV[2], "message", ARGV[3], "created_at", ARGV[4], "updated_at", ARGV[5])
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

var updateItemScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "user_id") ~= ARGV[1] then
  return false
end
redis.call("HSET", KEYS[1], "message", ARGV[2], "updated_at", ARGV[3])
return redis.call("HMGET", KEYS[1], "id", "user_id", "message", "created_at", "updated_at")
`)

var deleteItemScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "user_id") ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

// RedisStore keeps each item in a hash and indexes ids per owner in a set.
// Conditional writes run as Lua scripts so the owner check and the mutation
// are one atomic step.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a Redis-backed item store.
func NewRedisStore(addr, password, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisItemPrefix
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// InsertItem stores a new item and indexes it under its owner.
func (s *RedisStore) InsertItem(ctx context.Context, item domain.Item) error {
	if err := validateNewItem(item); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	created, err := insertItemScript.Run(ctx, s.client,
		[]string{s.itemKey(item.ID), s.ownerKey(item.UserID)},
		item.ID, item.UserID, item.Message, formatMicros(item.CreatedAt), formatMicros(item.UpdatedAt),
	).Int64()
	if err != nil {
		return err
	}
	if created == 0 {
		return fmt.Errorf("item %q already exists", item.ID)
	}
	return nil
}

// GetItem retrieves an item by ID regardless of owner.
func (s *RedisStore) GetItem(ctx context.Context, id string) (domain.Item, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	values, err := s.client.HMGet(ctx, s.itemKey(id), itemFields...).Result()
	if err != nil {
		return domain.Item{}, false, err
	}
	return itemFromValues(values)
}

// ListItemsByOwner returns every item indexed under the owner.
func (s *RedisStore) ListItemsByOwner(ctx context.Context, ownerID string) ([]domain.Item, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ids, err := s.client.SMembers(ctx, s.ownerKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Item, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HMGet(ctx, s.itemKey(id), itemFields...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		item, ok, err := itemFromValues(cmd.Val())
		if err != nil {
			return nil, err
		}
		// index entries can briefly outlive a hash removed by another client
		if !ok || item.UserID != ownerID {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// UpdateItemMessage replaces the message when id and owner both match.
func (s *RedisStore) UpdateItemMessage(ctx context.Context, id, ownerID, message string, updatedAt time.Time) (domain.Item, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	values, err := updateItemScript.Run(ctx, s.client,
		[]string{s.itemKey(id)},
		ownerID, message, formatMicros(updatedAt),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return domain.Item{}, false, nil
	}
	if err != nil {
		return domain.Item{}, false, err
	}
	return itemFromValues(values)
}

// DeleteItem removes an item when id and owner both match.
func (s *RedisStore) DeleteItem(ctx context.Context, id, ownerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	deleted, err := deleteItemScript.Run(ctx, s.client,
		[]string{s.itemKey(id), s.ownerKey(ownerID)},
		ownerID, id,
	).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}

func (s *RedisStore) itemKey(id string) string {
	return s.prefix + ":item:" + id
}

func (s *RedisStore) ownerKey(ownerID string) string {
	return s.prefix + ":owner:" + ownerID
}

func formatMicros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func itemFromValues(values []any) (domain.Item, bool, error) {
	if len(values) != len(itemFields) {
		return domain.Item{}, false, fmt.Errorf("unexpected item field count %d", len(values))
	}
	fields := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			return domain.Item{}, false, nil
		}
		s, ok := v.(string)
		if !ok {
			return domain.Item{}, false, fmt.Errorf("unexpected type %T for field %s", v, itemFields[i])
		}
		fields[i] = s
	}
	createdAt, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return domain.Item{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return domain.Item{}, false, fmt.Errorf("parse updated_at: %w", err)
	}
	return domain.Item{
		ID:        fields[0],
		UserID:    fields[1],
		Message:   fields[2],
		CreatedAt: time.UnixMicro(createdAt).UTC(),
		UpdatedAt: time.UnixMicro(updatedAt).UTC(),
	}, true, nil
}
