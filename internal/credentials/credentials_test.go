package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStoreGetSetClear(t *testing.T) {
	store := NewMemoryStore(Set{})
	if err := store.Set(FieldAccessToken, "tok_1"); err != nil {
		t.Fatalf("set access token failed: %v", err)
	}
	if err := store.Set(FieldTenantID, "acme"); err != nil {
		t.Fatalf("set tenant failed: %v", err)
	}
	if got := store.Get(FieldAccessToken); got != "tok_1" {
		t.Fatalf("expected tok_1, got %q", got)
	}
	if err := store.ClearField(FieldTenantID); err != nil {
		t.Fatalf("clear tenant failed: %v", err)
	}
	if got := store.Get(FieldTenantID); got != "" {
		t.Fatalf("expected tenant to be cleared, got %q", got)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if !store.Snapshot().IsZero() {
		t.Fatalf("expected empty snapshot after clear, got %+v", store.Snapshot())
	}
}

func TestMemoryStoreRejectsUnknownField(t *testing.T) {
	store := NewMemoryStore(Set{})
	if err := store.Set(Field("sessionCookie"), "x"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("expected ErrUnknownField, got %v", err)
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	first, err := NewFileStore(FileStoreOptions{Path: path})
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if err := first.Replace(Set{AccessToken: "tok_a", TenantID: "acme", AgentToken: "agent_1"}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected credentials file mode 0600, got %v", info.Mode().Perm())
	}

	second, err := NewFileStore(FileStoreOptions{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := second.Snapshot(); got.AccessToken != "tok_a" || got.TenantID != "acme" || got.AgentToken != "agent_1" {
		t.Fatalf("unexpected reopened snapshot: %+v", got)
	}

	if err := second.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	third, err := NewFileStore(FileStoreOptions{Path: path})
	if err != nil {
		t.Fatalf("reopen after clear failed: %v", err)
	}
	if !third.Snapshot().IsZero() {
		t.Fatalf("expected cleared snapshot on disk, got %+v", third.Snapshot())
	}
}

func TestFileStoreWatchPicksUpExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	changes := make(chan Set, 16)
	watched, err := NewFileStore(FileStoreOptions{
		Path: path,
		OnChange: func(s Set) {
			changes <- s
		},
	})
	if err != nil {
		t.Fatalf("new watched store failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watched.Watch(ctx) }()

	writer, err := NewFileStore(FileStoreOptions{Path: path})
	if err != nil {
		t.Fatalf("new writer store failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		// Rewritten until observed: the watcher may not be registered yet.
		if err := writer.Replace(Set{AccessToken: "tok_external", TenantID: "acme"}); err != nil {
			t.Fatalf("external write failed: %v", err)
		}
		select {
		case got := <-changes:
			if got.AccessToken != "tok_external" {
				t.Fatalf("expected external token, got %+v", got)
			}
			if watched.Get(FieldTenantID) != "acme" {
				t.Fatalf("expected watched store to reload tenant")
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned error: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for credentials change notification")
		case <-ticker.C:
		}
	}
}
