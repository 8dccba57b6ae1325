package platform

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"article-notifier/kvstore"
	"article-notifier/pkg/notifier"
)

type captureSurface struct {
	mu   sync.Mutex
	sent []notifier.Notification
	err  error
}

func (c *captureSurface) SendNotification(_ context.Context, n notifier.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureSurface) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newLocal(t *testing.T, cfg Config) (*Local, *captureSurface) {
	t.Helper()
	surface := &captureSurface{}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}
	cfg.Surface = surface
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&cfg), surface
}

func TestPermission(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	l, _ := newLocal(t, Config{Store: store})

	if got := l.Permission(ctx); got != notifier.PermissionDefault {
		t.Fatalf("Permission() = %s, want default", got)
	}
	_ = store.Set(ctx, KeyPermission, "maybe")
	if got := l.Permission(ctx); got != notifier.PermissionDefault {
		t.Errorf("invalid stored value read as %s", got)
	}
	if err := l.SetPermission(ctx, notifier.PermissionDenied); err != nil {
		t.Fatal(err)
	}
	if got := l.Permission(ctx); got != notifier.PermissionDenied {
		t.Errorf("Permission() = %s, want denied", got)
	}
	_ = l.SetPermission(ctx, notifier.PermissionDefault)
	if _, ok, _ := store.Get(ctx, KeyPermission); ok {
		t.Error("resetting to default should remove the key")
	}
}

func TestRequestPermissionIsSingleShot(t *testing.T) {
	tests := []struct {
		name   string
		answer notifier.Permission
		want   notifier.Permission
		stored bool
	}{
		{"default answer grants", "", notifier.PermissionGranted, true},
		{"denied", notifier.PermissionDenied, notifier.PermissionDenied, true},
		{"dismissed", notifier.PermissionDefault, notifier.PermissionDefault, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newLocal(t, Config{PromptAnswer: tt.answer})

			got, err := l.RequestPermission(ctx)
			if err != nil || got != tt.want {
				t.Fatalf("RequestPermission() = %s, %v; want %s", got, err, tt.want)
			}
			if stored := l.Permission(ctx) != notifier.PermissionDefault; stored != tt.stored {
				t.Errorf("stored = %v, want %v", stored, tt.stored)
			}
		})
	}

	// An earlier denial is not overridden by a later prompt.
	ctx := context.Background()
	l, _ := newLocal(t, Config{PromptAnswer: notifier.PermissionGranted})
	_ = l.SetPermission(ctx, notifier.PermissionDenied)
	if got, _ := l.RequestPermission(ctx); got != notifier.PermissionDenied {
		t.Errorf("RequestPermission() after denial = %s", got)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t, Config{StartupDelay: 20 * time.Millisecond})

	if reg, _ := l.Registration(ctx); reg != nil {
		t.Fatal("Registration() before Register should be nil")
	}
	if err := l.Register(ctx); err != nil {
		t.Fatal(err)
	}
	if reg, _ := l.Registration(ctx); reg != nil {
		t.Error("worker ready before startup delay")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	reg, err := l.Ready(waitCtx)
	if err != nil || reg == nil {
		t.Fatalf("Ready() = %v, %v", reg, err)
	}
	// Registering twice is harmless.
	if err := l.Register(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReadyHonorsContext(t *testing.T) {
	l, _ := newLocal(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Ready(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Ready() without Register error = %v", err)
	}
}

func TestPushManager(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	l, _ := newLocal(t, Config{Store: store})
	_ = l.Register(ctx)
	reg, _ := l.Registration(ctx)
	pm := reg.PushManager()

	if sub, err := pm.Subscription(ctx); err != nil || sub != nil {
		t.Fatalf("Subscription() = %v, %v; want none", sub, err)
	}
	if _, err := pm.Subscribe(ctx, []byte{4}); err == nil {
		t.Error("Subscribe() accepted a short server key")
	}

	key := make([]byte, 65)
	key[0] = 4
	sub, err := pm.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	p256, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh)
	if err != nil || len(p256) != 65 || p256[0] != 4 {
		t.Errorf("p256dh is not an uncompressed point: %q", sub.Keys.P256dh)
	}
	if auth, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth); err != nil || len(auth) != 16 {
		t.Errorf("auth secret = %q", sub.Keys.Auth)
	}

	again, err := pm.Subscription(ctx)
	if err != nil || again == nil || again.Endpoint != sub.Endpoint {
		t.Errorf("Subscription() after Subscribe = %+v, %v", again, err)
	}

	if err := l.Unsubscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if sub, _ := pm.Subscription(ctx); sub != nil {
		t.Error("subscription survived Unsubscribe")
	}
}

func TestTagCollapse(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l, surface := newLocal(t, Config{Now: func() time.Time { return now }, CollapseWindow: time.Minute})
	_ = l.Register(ctx)
	reg, _ := l.Registration(ctx)

	n := notifier.Notification{Title: "New Article Published", Tag: "article-a2"}
	_ = reg.ShowNotification(ctx, n)
	_ = reg.ShowNotification(ctx, n)
	if surface.count() != 1 {
		t.Fatalf("delivered %d, want 1 within collapse window", surface.count())
	}

	now = now.Add(2 * time.Minute)
	_ = reg.ShowNotification(ctx, n)
	if surface.count() != 2 {
		t.Errorf("delivered %d, want 2 after window", surface.count())
	}

	// Untagged notifications never collapse.
	_ = reg.ShowNotification(ctx, notifier.Notification{Title: "Welcome"})
	_ = reg.ShowNotification(ctx, notifier.Notification{Title: "Welcome"})
	if surface.count() != 4 {
		t.Errorf("delivered %d, want 4", surface.count())
	}
}

func TestFailedDeliveryIsNotCollapsed(t *testing.T) {
	ctx := context.Background()
	l, surface := newLocal(t, Config{})
	surface.err = errors.New("smtp down")
	n := notifier.Notification{Title: "t", Tag: "article-1"}
	if err := l.Notify(ctx, n, nil); err == nil {
		t.Fatal("Notify() error = nil")
	}
	surface.err = nil
	if err := l.Notify(ctx, n, nil); err != nil || surface.count() != 1 {
		t.Errorf("retry after failure: err = %v, delivered = %d", err, surface.count())
	}
}

func TestDirectNotificationClick(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocal(t, Config{})
	n := notifier.Notification{Title: "t", Tag: "article-9", URL: "https://news.example/articles/x"}
	if err := l.Notify(ctx, n, func() { _ = l.Open(n.URL) }); err != nil {
		t.Fatal(err)
	}
	if !l.Click("article-9") {
		t.Fatal("Click() found no handler")
	}
	if got := l.Opened(); len(got) != 1 || got[0] != n.URL {
		t.Errorf("Opened() = %v", got)
	}
	if l.Click("article-9") {
		t.Error("click handler should fire once")
	}
}
