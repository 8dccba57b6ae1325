package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lock file timing. A lock older than staleLockAge belongs to a crashed writer.
const (
	lockWait     = 5 * time.Second
	lockPoll     = 10 * time.Millisecond
	staleLockAge = 30 * time.Second
)

// File keeps every key in a single JSON document on local disk.
// Several processes may share one document: reads pick up changes made by
// others, and writes merge into the current document under a lock file.
// Writes go through a temp file and rename so a crash never leaves a torn file.
type File struct {
	logger *slog.Logger
	data   map[string]string
	info   os.FileInfo // document as last read, nil when absent
	path   string
	mu     sync.Mutex
}

// NewFile opens (or creates) the JSON document at path.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("empty store path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	f := &File{path: path, logger: logger, data: make(map[string]string)}
	if err := f.refresh(); err != nil {
		return nil, err
	}
	if f.info == nil {
		logger.Info("Store file not found, starting empty", "path", path)
	}
	return f, nil
}

// Get implements Store.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refresh(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

// Set implements Store.
func (f *File) Set(ctx context.Context, key, value string) error {
	return f.update(ctx, func(data map[string]string) bool {
		if prev, ok := data[key]; ok && prev == value {
			return false
		}
		data[key] = value
		return true
	})
}

// Remove implements Store.
func (f *File) Remove(ctx context.Context, key string) error {
	return f.update(ctx, func(data map[string]string) bool {
		if _, ok := data[key]; !ok {
			return false
		}
		delete(data, key)
		return true
	})
}

// Keys implements Store.
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return sortedKeys(f.data, prefix), nil
}

// Close implements Store.
func (f *File) Close() error { return nil }

// update applies change to the current on-disk document while holding the
// lock file. change reports whether it modified the map.
func (f *File) update(ctx context.Context, change func(map[string]string) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	unlock, err := f.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := f.refresh(); err != nil {
		return err
	}
	next := make(map[string]string, len(f.data)+1)
	for k, v := range f.data {
		next[k] = v
	}
	if !change(next) {
		return nil
	}
	if err := f.flush(next); err != nil {
		return err
	}
	f.data = next
	return nil
}

// refresh rereads the document when it was replaced or modified since the
// last read. Every write renames a new file into place, so the identity check
// catches writes that land within one mtime tick.
func (f *File) refresh() error {
	fi, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.info = nil
		f.data = make(map[string]string)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}
	if f.info != nil && os.SameFile(f.info, fi) &&
		f.info.ModTime().Equal(fi.ModTime()) && f.info.Size() == fi.Size() {
		return nil
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}
	data := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("unmarshal store file: %w", err)
		}
	}
	f.data = data
	f.info = fi
	return nil
}

func (f *File) flush(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	fi, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}
	f.info = fi
	return nil
}

// lock creates the lock file next to the document, waiting for other writers.
func (f *File) lock(ctx context.Context) (func(), error) {
	name := f.path + ".lock"
	deadline := time.Now().Add(lockWait)
	for {
		lf, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			if err := lf.Close(); err != nil {
				f.logger.Warn("Failed to close lock file", "path", name, "error", err)
			}
			return func() {
				if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
					f.logger.Warn("Failed to remove lock file", "path", name, "error", err)
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		if fi, statErr := os.Stat(name); statErr == nil && time.Since(fi.ModTime()) > staleLockAge {
			f.logger.Warn("Removing stale store lock", "path", name, "age", time.Since(fi.ModTime()))
			_ = os.Remove(name)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("store file %s is locked", f.path)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for store lock: %w", ctx.Err())
		case <-time.After(lockPoll):
		}
	}
}
