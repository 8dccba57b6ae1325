package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// GCS stores each key as an object under a prefix in a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
	prefix string
}

// OpenGCS creates a client using Application Default Credentials.
func OpenGCS(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gs store requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return NewGCS(client, bucket, prefix, logger), nil
}

// NewGCS wraps an existing storage client.
func NewGCS(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCS {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + key)
}

func (g *GCS) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10 * time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying store operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Get implements Store.
func (g *GCS) Get(ctx context.Context, key string) (string, bool, error) {
	var data []byte
	found := true
	err := retry.Do(
		func() error {
			r, err := g.object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					found = false
					return nil
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "get", key)...,
	)
	if err != nil {
		return "", false, fmt.Errorf("get after retries: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return string(data), true, nil
}

// Set implements Store.
func (g *GCS) Set(ctx context.Context, key, value string) error {
	err := retry.Do(
		func() error {
			w := g.object(key).NewWriter(ctx)
			w.ContentType = "text/plain; charset=utf-8"
			if _, err := io.WriteString(w, value); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "set", key)...,
	)
	if err != nil {
		return fmt.Errorf("set after retries: %w", err)
	}
	return nil
}

// Remove implements Store.
func (g *GCS) Remove(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			if err := g.object(key).Delete(ctx); err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "remove", key)...,
	)
	if err != nil {
		return fmt.Errorf("remove after retries: %w", err)
	}
	return nil
}

// Keys implements Store.
func (g *GCS) Keys(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix + prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, g.prefix))
	}
	return keys, nil
}

// Close implements Store.
func (g *GCS) Close() error {
	return g.client.Close()
}
