package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cache is the read-through view over the masters and drafts tables. Rows
// are keyed "<type>:<id>" and indexed by type. Nothing here is
// authoritative; the backend owns the real records.
type Cache struct {
	store Store
	now   func() time.Time
}

func NewCache(store Store) *Cache {
	return &Cache{store: store, now: time.Now}
}

func CacheKey(typ, id string) string {
	return typ + ":" + id
}

func (c *Cache) PutMaster(ctx context.Context, typ, id string, data json.RawMessage) error {
	return c.put(ctx, TableMasters, typ, id, data)
}

func (c *Cache) Masters(ctx context.Context, typ string) ([]Record, error) {
	return c.store.QueryByIndex(ctx, TableMasters, IndexType, typ)
}

func (c *Cache) Master(ctx context.Context, typ, id string) (Record, error) {
	return c.store.Get(ctx, TableMasters, CacheKey(typ, id))
}

func (c *Cache) PutDraft(ctx context.Context, typ, id string, data json.RawMessage) error {
	return c.put(ctx, TableDrafts, typ, id, data)
}

func (c *Cache) Draft(ctx context.Context, typ, id string) (Record, error) {
	return c.store.Get(ctx, TableDrafts, CacheKey(typ, id))
}

func (c *Cache) Drafts(ctx context.Context, typ string) ([]Record, error) {
	return c.store.QueryByIndex(ctx, TableDrafts, IndexType, typ)
}

func (c *Cache) DeleteDraft(ctx context.Context, typ, id string) error {
	return c.store.Delete(ctx, TableDrafts, CacheKey(typ, id))
}

// Reset drops both cache tables.
func (c *Cache) Reset(ctx context.Context) error {
	for _, table := range []string{TableMasters, TableDrafts} {
		if err := c.store.Clear(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) put(ctx context.Context, table, typ, id string, data json.RawMessage) error {
	typ = strings.TrimSpace(typ)
	id = strings.TrimSpace(id)
	if typ == "" || id == "" {
		return fmt.Errorf("%w: cache rows need a type and an id", ErrInvalidInput)
	}
	key := CacheKey(typ, id)
	now := c.now().UTC()
	createdAt := now
	existing, err := c.store.Get(ctx, table, key)
	switch {
	case err == nil:
		createdAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return c.store.Put(ctx, table, Record{
		Key:       key,
		Type:      typ,
		CreatedAt: createdAt,
		UpdatedAt: now,
		Data:      data,
	})
}
