package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docsync"
)

func sampleSnapshot(id string) docsync.DocumentSnapshot {
	return docsync.DocumentSnapshot{
		DocumentID: id,
		Title:      "Notes",
		Content:    "<p>cached</p>",
		AuthorID:   "user-1",
		Editors:    []string{"user-1", "user-2"},
		UpdatedAt:  time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func assertRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "doc/1"); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	want := sampleSnapshot("doc/1")
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, ok, err := store.Load(ctx, "doc/1")
	if err != nil || !ok {
		t.Fatalf("load after save: ok=%v err=%v", ok, err)
	}
	if got.Title != want.Title || got.Content != want.Content || len(got.Editors) != 2 || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	want.Content = "<p>newer</p>"
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	got, _, err = store.Load(ctx, "doc/1")
	if err != nil || got.Content != "<p>newer</p>" {
		t.Fatalf("expected overwritten content, got %q err=%v", got.Content, err)
	}

	if err := store.Save(ctx, docsync.DocumentSnapshot{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	store, err := Open("memory://")
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	defer store.Close()
	assertRoundTrip(t, store)
}

func TestMemoryStoreCopiesEditors(t *testing.T) {
	store := NewMemoryStore()
	snap := sampleSnapshot("doc-1")
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap.Editors[0] = "mutated"
	got, _, _ := store.Load(context.Background(), "doc-1")
	if got.Editors[0] != "user-1" {
		t.Fatalf("store shares editors slice with caller: %v", got.Editors)
	}
}

func TestOpenFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	store, err := Open("file://" + dir)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	assertRoundTrip(t, store)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "doc%2F1.json" {
		t.Fatalf("expected a single escaped snapshot file, got %v", entries)
	}
}

func TestOpenBarePathIsFile(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open bare path: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
}

func TestFileStoreRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doc-1.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, _, err := NewFileStore(dir).Load(context.Background(), "doc-1"); err == nil {
		t.Fatalf("expected decode error for corrupt snapshot")
	}
}

func TestOpenSchemes(t *testing.T) {
	store, err := Open("")
	if err != nil || store != nil {
		t.Fatalf("expected nil store for empty dsn, got %v %v", store, err)
	}
	store, err = Open("postgres://localhost/relaydoc?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres store to be available, got %v", err)
	}
	if _, ok := store.(*PostgresStore); !ok {
		t.Fatalf("expected *PostgresStore, got %T", store)
	}
	if _, err := Open("sqlite://relaydoc.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for sqlite, got %v", err)
	}
	if _, err := Open("redis://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterFactory(t *testing.T) {
	scheme := "snapshottestcustom"
	called := false
	Register(scheme, func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	store, err := Open(scheme + "://example")
	if err != nil {
		t.Fatalf("open via registered factory failed: %v", err)
	}
	if store == nil || !called {
		t.Fatalf("expected registered factory to build the store")
	}
}

func TestPostgresStoreReportsOpenFailure(t *testing.T) {
	store, err := NewPostgresStore("postgres://localhost/relaydoc")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	opens := 0
	store.openDB = func(string, string) (*sql.DB, error) {
		opens++
		return nil, errors.New("driver unavailable")
	}
	for i := 0; i < 2; i++ {
		if _, _, err := store.Load(context.Background(), "doc-1"); err == nil || err.Error() != "driver unavailable" {
			t.Fatalf("expected open failure, got %v", err)
		}
	}
	if opens != 1 {
		t.Fatalf("expected a single open attempt, got %d", opens)
	}
	if _, err := NewPostgresStore("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}
