package kvstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v; want not found", ok, err)
	}

	if err := s.Set(ctx, "notification_asked", "true"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "notification_denied", "true"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "last_article_notified_id", "a1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "last_article_notified_id", "a2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}

	v, ok, err := s.Get(ctx, "last_article_notified_id")
	if err != nil || !ok || v != "a2" {
		t.Errorf("Get() = %q, %v, %v; want a2", v, ok, err)
	}

	keys, err := s.Keys(ctx, "notification_")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "notification_asked" || keys[1] != "notification_denied" {
		t.Errorf("Keys() = %v", keys)
	}

	if err := s.Remove(ctx, "notification_denied"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "notification_denied"); err != nil {
		t.Errorf("Remove() of missing key should be a no-op, got %v", err)
	}
	if _, ok, _ := s.Get(ctx, "notification_denied"); ok {
		t.Error("key still present after Remove()")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatalf("NewFile() error = %v", err)
	}
	exerciseStore(t, s)

	// Values survive a reopen.
	reopened, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	v, ok, _ := reopened.Get(context.Background(), "last_article_notified_id")
	if !ok || v != "a2" {
		t.Errorf("after reopen Get() = %q, %v; want a2", v, ok)
	}
}

func TestFileStoreSharedBetweenProcesses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	serve, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	cli, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := serve.Set(ctx, "platform_permission", "granted"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := cli.Get(ctx, "platform_permission"); v != "granted" {
		t.Errorf("second handle sees %q, want granted", v)
	}

	// A revocation written elsewhere wins on the next read.
	if err := cli.Set(ctx, "platform_permission", "denied"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := serve.Get(ctx, "platform_permission"); v != "denied" {
		t.Errorf("after external revoke Get() = %q, want denied", v)
	}

	// Writing an unrelated key must not restore the old value.
	if err := serve.Set(ctx, "last_article_notified_id", "a2"); err != nil {
		t.Fatal(err)
	}
	fresh, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if v, _, _ := fresh.Get(ctx, "platform_permission"); v != "denied" {
		t.Errorf("permission on disk = %q, want denied", v)
	}
	if v, _, _ := fresh.Get(ctx, "last_article_notified_id"); v != "a2" {
		t.Errorf("marker on disk = %q, want a2", v)
	}

	if err := cli.Remove(ctx, "last_article_notified_id"); err != nil {
		t.Fatal(err)
	}
	keys, err := serve.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "platform_permission" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestFileStoreLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFile(path, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// A lock left behind by a crashed writer is broken.
	lock := path + ".lock"
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lock, old, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set() with stale lock error = %v", err)
	}
	if _, err := os.Stat(lock); !os.IsNotExist(err) {
		t.Errorf("lock file left behind after write: %v", err)
	}

	// A live lock blocks writers until the context ends.
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := s.Set(cctx, "k", "w"); err == nil {
		t.Error("Set() succeeded while another writer held the lock")
	}
	if v, _, _ := s.Get(ctx, "k"); v != "v" {
		t.Errorf("Get() = %q, want v", v)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(path, discardLogger()); err == nil {
		t.Error("expected error for corrupt store file")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
	}{
		{name: "memory", dsn: "memory://"},
		{name: "plain path", dsn: filepath.Join(dir, "a.json")},
		{name: "file scheme", dsn: "file://" + filepath.Join(dir, "b.json")},
		{name: "sqlite scheme", dsn: "sqlite://" + filepath.Join(dir, "c.db")},
		{name: "empty", dsn: "", wantErr: true},
		{name: "unknown scheme", dsn: "redis://localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.dsn, discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open(%q) error = %v, wantErr %v", tt.dsn, err, tt.wantErr)
			}
			if err == nil {
				exerciseStore(t, s)
				s.Close()
			}
		})
	}
}
