package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"toyapi/pkg/domain"
	"toyapi/pkg/store"
)

var (
	alice = domain.Caller{UID: "alice"}
	bob   = domain.Caller{UID: "bob"}
)

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(1500 * time.Nanosecond)
	return c.cur
}

func (c *stepClock) set(t time.Time) {
	c.mu.Lock()
	c.cur = t
	c.mu.Unlock()
}

func newTestApp(t *testing.T) (*App, *stepClock) {
	t.Helper()
	clock := &stepClock{cur: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	a, err := New(Config{Store: store.NewMemoryStore(), Now: clock.Now})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, clock
}

func TestCreateThenGetReturnsSameItem(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	created, err := a.CreateItem(ctx, "hi", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.UserID != "alice" || created.Message != "hi" {
		t.Fatalf("unexpected item %+v", created)
	}
	if !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("createdAt %v != updatedAt %v", created.CreatedAt, created.UpdatedAt)
	}
	if created.CreatedAt.Location() != time.UTC || created.CreatedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("timestamp not UTC microseconds: %v", created.CreatedAt)
	}

	got, ok, err := a.GetItem(ctx, created.ID, alice)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(created, got); diff != "" {
		t.Fatalf("item mismatch (-created +got):\n%s", diff)
	}
}

func TestCreateRequiresMessageAndCaller(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.CreateItem(context.Background(), "", alice); !errors.Is(err, ErrMessageRequired) {
		t.Fatalf("expected ErrMessageRequired, got %v", err)
	}
	if _, err := a.CreateItem(context.Background(), "hi", domain.Caller{}); !errors.Is(err, ErrCallerRequired) {
		t.Fatalf("expected ErrCallerRequired, got %v", err)
	}
}

func TestCreateAssignsFreshIDs(t *testing.T) {
	a, _ := newTestApp(t)
	seen := make(map[string]bool)
	for range 20 {
		item, err := a.CreateItem(context.Background(), "m", alice)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[item.ID] {
			t.Fatalf("duplicate id %s", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestOtherCallersSeeNotFound(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	item, err := a.CreateItem(ctx, "secret", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if got, ok, err := a.GetItem(ctx, item.ID, bob); err != nil || ok || got != (domain.Item{}) {
		t.Fatalf("bob get: item=%+v ok=%v err=%v", got, ok, err)
	}
	if got, ok, err := a.UpdateItem(ctx, item.ID, bob, domain.ItemUpdate{Message: "pwned"}); err != nil || ok || got != (domain.Item{}) {
		t.Fatalf("bob update: item=%+v ok=%v err=%v", got, ok, err)
	}
	if ok, err := a.DeleteItem(ctx, item.ID, bob); err != nil || ok {
		t.Fatalf("bob delete: ok=%v err=%v", ok, err)
	}

	// Foreign and missing ids are indistinguishable.
	_, okMissing, errMissing := a.GetItem(ctx, "does-not-exist", bob)
	if okMissing || errMissing != nil {
		t.Fatalf("missing get: ok=%v err=%v", okMissing, errMissing)
	}

	got, ok, err := a.GetItem(ctx, item.ID, alice)
	if err != nil || !ok || got.Message != "secret" {
		t.Fatalf("alice item changed: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestListItemsIsOwnerScoped(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	empty, err := a.ListItems(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}

	for _, msg := range []string{"a1", "a2"} {
		if _, err := a.CreateItem(ctx, msg, alice); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := a.CreateItem(ctx, "b1", bob); err != nil {
		t.Fatalf("create: %v", err)
	}

	items, err := a.ListItems(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, item := range items {
		if item.UserID != "alice" {
			t.Fatalf("foreign item listed: %+v", item)
		}
	}
}

func TestUpdateRefreshesUpdatedAtOnly(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	item, err := a.CreateItem(ctx, "before", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, ok, err := a.UpdateItem(ctx, item.ID, alice, domain.ItemUpdate{Message: "after"})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	want := item
	want.Message = "after"
	want.UpdatedAt = updated.UpdatedAt
	if diff := cmp.Diff(want, updated); diff != "" {
		t.Fatalf("update changed more than message/updatedAt (-want +got):\n%s", diff)
	}
	if updated.UpdatedAt.Before(item.UpdatedAt) {
		t.Fatalf("updatedAt went backwards: %v < %v", updated.UpdatedAt, item.UpdatedAt)
	}
}

func TestUpdateNeverMovesUpdatedAtBackwards(t *testing.T) {
	a, clock := newTestApp(t)
	ctx := context.Background()
	item, err := a.CreateItem(ctx, "before", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.set(item.UpdatedAt.Add(-time.Hour))

	updated, ok, err := a.UpdateItem(ctx, item.ID, alice, domain.ItemUpdate{Message: "after"})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if updated.UpdatedAt.Before(item.UpdatedAt) {
		t.Fatalf("updatedAt went backwards after clock step: %v < %v", updated.UpdatedAt, item.UpdatedAt)
	}
}

func TestUpdateRequiresMessage(t *testing.T) {
	a, _ := newTestApp(t)
	item, err := a.CreateItem(context.Background(), "x", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := a.UpdateItem(context.Background(), item.ID, alice, domain.ItemUpdate{}); !errors.Is(err, ErrMessageRequired) {
		t.Fatalf("expected ErrMessageRequired, got %v", err)
	}
}

func TestDeleteIsIdempotentInEffect(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	item, err := a.CreateItem(ctx, "bye", alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := a.DeleteItem(ctx, item.ID, alice); err != nil || !ok {
		t.Fatalf("first delete: ok=%v err=%v", ok, err)
	}
	if ok, err := a.DeleteItem(ctx, item.ID, alice); err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := a.GetItem(ctx, item.ID, alice); ok {
		t.Fatalf("deleted item still readable")
	}
}

type failingStore struct {
	store.ItemStore
	err error
}

func (f failingStore) GetItem(context.Context, string) (domain.Item, bool, error) {
	return domain.Item{}, false, f.err
}

func (f failingStore) InsertItem(context.Context, domain.Item) error { return f.err }

func TestStoreErrorsAreWrapped(t *testing.T) {
	boom := errors.New("backend unavailable")
	a, err := New(Config{Store: failingStore{err: boom}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := a.CreateItem(context.Background(), "x", alice); !errors.Is(err, boom) {
		t.Fatalf("create error not wrapped: %v", err)
	}
	if _, _, err := a.GetItem(context.Background(), "id", alice); !errors.Is(err, boom) {
		t.Fatalf("get error not wrapped: %v", err)
	}
	if _, err := a.DeleteItem(context.Background(), "id", alice); !errors.Is(err, boom) {
		t.Fatalf("delete error not wrapped: %v", err)
	}
}

type fakeIssuer struct{ uid string }

func (f *fakeIssuer) IssueToken(_ context.Context, uid string) (string, error) {
	f.uid = uid
	return "token-for-" + uid, nil
}

func TestIssueToken(t *testing.T) {
	issuer := &fakeIssuer{}
	a, err := New(Config{Store: store.NewMemoryStore(), Tokens: issuer})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := a.IssueToken(context.Background(), " "); !errors.Is(err, ErrUIDRequired) {
		t.Fatalf("expected ErrUIDRequired, got %v", err)
	}
	token, err := a.IssueToken(context.Background(), "user-7")
	if err != nil || token != "token-for-user-7" || issuer.uid != "user-7" {
		t.Fatalf("issue: token=%q err=%v", token, err)
	}

	bare, _ := New(Config{Store: store.NewMemoryStore()})
	if _, err := bare.IssueToken(context.Background(), "user-7"); !errors.Is(err, ErrTokenIssuerUnavailable) {
		t.Fatalf("expected ErrTokenIssuerUnavailable, got %v", err)
	}
}

func TestNewSelectsStoreDriver(t *testing.T) {
	a, err := New(Config{StoreDriver: DriverSQLite, SQLitePath: t.TempDir() + "/items.db"})
	if err != nil {
		t.Fatalf("sqlite app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if _, err := a.CreateItem(context.Background(), "persisted", alice); err != nil {
		t.Fatalf("create on sqlite: %v", err)
	}

	if _, err := New(Config{StoreDriver: "cassandra"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := New(Config{StoreDriver: DriverPostgres}); err == nil {
		t.Fatalf("expected missing database URL error")
	}
}
