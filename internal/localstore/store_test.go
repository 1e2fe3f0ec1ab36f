package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

type storeFactory func(t *testing.T) Store

func backendsUnderTest() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			store, err := NewFileStore(filepath.Join(t.TempDir(), "store.json"))
			if err != nil {
				t.Fatalf("new file store: %v", err)
			}
			return store
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store.db"))
			if err != nil {
				t.Fatalf("new sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backendsUnderTest() {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, factory)
		})
	}
}

func runStoreContract(t *testing.T, factory storeFactory) {
	t.Run("put get delete", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
		rec := Record{
			Key:       "op_1",
			Type:      "create_invoice",
			Status:    "pending",
			CreatedAt: created,
			UpdatedAt: created,
			Data:      json.RawMessage(`{"partner_id":7}`),
		}
		if err := store.Put(ctx, TablePendingOps, rec); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		got, err := store.Get(ctx, TablePendingOps, "op_1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.Key != rec.Key || got.Type != rec.Type || got.Status != rec.Status {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created) {
			t.Fatalf("expected timestamps %s, got %s/%s", created, got.CreatedAt, got.UpdatedAt)
		}
		if string(got.Data) != `{"partner_id":7}` {
			t.Fatalf("unexpected data: %s", got.Data)
		}

		rec.Status = "done"
		rec.UpdatedAt = created.Add(time.Minute)
		if err := store.Put(ctx, TablePendingOps, rec); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
		got, err = store.Get(ctx, TablePendingOps, "op_1")
		if err != nil {
			t.Fatalf("get after upsert failed: %v", err)
		}
		if got.Status != "done" || !got.UpdatedAt.Equal(created.Add(time.Minute)) {
			t.Fatalf("expected upsert to replace the row, got %+v", got)
		}

		if err := store.Delete(ctx, TablePendingOps, "op_1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := store.Get(ctx, TablePendingOps, "op_1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.Delete(ctx, TablePendingOps, "op_1"); err != nil {
			t.Fatalf("expected deleting a missing key to succeed, got %v", err)
		}
	})

	t.Run("query by index is oldest first", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		rows := []Record{
			{Key: "c", Status: "pending", CreatedAt: base.Add(2 * time.Second)},
			{Key: "a", Status: "pending", CreatedAt: base},
			{Key: "x", Status: "error", CreatedAt: base.Add(time.Second)},
			{Key: "b", Status: "pending", CreatedAt: base},
		}
		for _, rec := range rows {
			if err := store.Put(ctx, TablePendingOps, rec); err != nil {
				t.Fatalf("put %s failed: %v", rec.Key, err)
			}
		}
		got, err := store.QueryByIndex(ctx, TablePendingOps, IndexStatus, "pending")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if keys := recordKeys(got); fmt.Sprint(keys) != "[a b c]" {
			t.Fatalf("expected [a b c], got %v", keys)
		}
		none, err := store.QueryByIndex(ctx, TablePendingOps, IndexStatus, "done")
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("expected no done rows, got %v", recordKeys(none))
		}
	})

	t.Run("tables are isolated and clear is per table", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if err := store.Put(ctx, TableMasters, Record{Key: "partner:1", Type: "partner"}); err != nil {
			t.Fatalf("put master failed: %v", err)
		}
		if err := store.Put(ctx, TableDrafts, Record{Key: "partner:1", Type: "partner"}); err != nil {
			t.Fatalf("put draft failed: %v", err)
		}
		if err := store.Clear(ctx, TableDrafts); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		if _, err := store.Get(ctx, TableDrafts, "partner:1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected draft to be cleared, got %v", err)
		}
		if _, err := store.Get(ctx, TableMasters, "partner:1"); err != nil {
			t.Fatalf("expected master to survive clearing drafts, got %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if err := store.Put(ctx, "invoices", Record{Key: "k"}); !errors.Is(err, ErrUnknownTable) {
			t.Fatalf("expected ErrUnknownTable, got %v", err)
		}
		if err := store.Put(ctx, TableMasters, Record{Key: " "}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for empty key, got %v", err)
		}
		if err := store.Put(ctx, TableMasters, Record{Key: "k", Data: json.RawMessage(`{nope`)}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for invalid data, got %v", err)
		}
		if _, err := store.QueryByIndex(ctx, TableMasters, IndexStatus, "pending"); !errors.Is(err, ErrUnknownIndex) {
			t.Fatalf("expected ErrUnknownIndex, got %v", err)
		}
		if _, err := store.Get(ctx, "nope", "k"); !errors.Is(err, ErrUnknownTable) {
			t.Fatalf("expected ErrUnknownTable on get, got %v", err)
		}
	})
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	first, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	if err := first.Put(ctx, TablePendingOps, Record{Key: "op_1", Status: "pending"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	second, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	got, err := second.QueryByIndex(ctx, TablePendingOps, IndexStatus, "pending")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || got[0].Key != "op_1" {
		t.Fatalf("expected op_1 to persist, got %v", recordKeys(got))
	}

	// A write from one instance is visible to the other without reopening.
	if err := second.Put(ctx, TablePendingOps, Record{Key: "op_2", Status: "pending"}); err != nil {
		t.Fatalf("put from second instance failed: %v", err)
	}
	if _, err := first.Get(ctx, TablePendingOps, "op_2"); err != nil {
		t.Fatalf("expected first instance to see op_2, got %v", err)
	}
}

func TestSQLiteStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if err := first.Put(ctx, TableMasters, Record{Key: "partner:1", Type: "partner", Data: json.RawMessage(`{"name":"Acme"}`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer second.Close()
	got, err := second.QueryByIndex(ctx, TableMasters, IndexType, "partner")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"name":"Acme"}` {
		t.Fatalf("unexpected rows after reopen: %+v", got)
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	pg, err := NewPostgresStore("postgres://localhost/ledgersync")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind result: %s", got)
	}
	lite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("expected sqlite placeholders untouched, got %s", got)
	}
}

func recordKeys(records []Record) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	return keys
}
