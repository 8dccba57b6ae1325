// Package agent bridges the engine to the platform's background notification
// worker: registration, bounded readiness waits, idempotent push subscription
// and visible notifications.
package agent

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"article-notifier/pkg/notifier"
)

// DefaultReadyTimeout bounds how long EnsureReady waits for a new worker.
const DefaultReadyTimeout = 8 * time.Second

// ErrNotPermitted is returned by ShowNotification when the platform has not
// granted notification permission.
var ErrNotPermitted = errors.New("notification permission not granted")

// Worker is the platform's background delivery worker.
type Worker interface {
	// Registration returns the current registration, or nil if none exists.
	Registration(ctx context.Context) (Registration, error)
	// Register installs the worker. It may return before the worker is ready.
	Register(ctx context.Context) error
	// Ready blocks until a registration is active or ctx is done.
	Ready(ctx context.Context) (Registration, error)
}

// Registration is an installed worker.
type Registration interface {
	PushManager() PushManager
	ShowNotification(ctx context.Context, n notifier.Notification) error
}

// PushManager manages the worker's push subscription.
type PushManager interface {
	// Subscription returns the existing subscription, or nil.
	Subscription(ctx context.Context) (*webpush.Subscription, error)
	Subscribe(ctx context.Context, applicationServerKey []byte) (*webpush.Subscription, error)
}

// Platform is the in-page notification capability used when no worker is
// available.
type Platform interface {
	Supported() bool
	Permission(ctx context.Context) notifier.Permission
	// Notify shows a notification directly. onClick runs if the user clicks it.
	Notify(ctx context.Context, n notifier.Notification, onClick func()) error
	// Open navigates to url.
	Open(url string) error
}

// Bridge owns all interaction with the background worker.
type Bridge struct {
	worker       Worker
	platform     Platform
	logger       *slog.Logger
	vapidKey     string
	readyTimeout time.Duration
}

// Config configures a Bridge.
type Config struct {
	Worker         Worker
	Platform       Platform
	Logger         *slog.Logger
	VAPIDPublicKey string // Delivery server public key, base64url
	ReadyTimeout   time.Duration
}

// New creates a Bridge.
func New(cfg *Config) *Bridge {
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &Bridge{
		worker:       cfg.Worker,
		platform:     cfg.Platform,
		logger:       cfg.Logger,
		vapidKey:     strings.TrimSpace(cfg.VAPIDPublicKey),
		readyTimeout: timeout,
	}
}

// Supported reports whether the platform has a notification capability at all.
func (b *Bridge) Supported() bool {
	return b.platform != nil && b.platform.Supported()
}

// EnsureReady returns an active registration or nil. It never blocks longer
// than timeout plus one final lookup.
func (b *Bridge) EnsureReady(ctx context.Context, timeout time.Duration) Registration {
	if b.worker == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = b.readyTimeout
	}

	if reg := b.lookup(ctx); reg != nil {
		return reg
	}

	if err := b.worker.Register(ctx); err != nil {
		b.logger.Warn("Worker registration failed", "error", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := make(chan Registration, 1)
	go func() {
		reg, err := b.worker.Ready(readyCtx)
		if err != nil {
			reg = nil
		}
		ready <- reg
	}()

	select {
	case reg := <-ready:
		if reg != nil {
			return reg
		}
	case <-readyCtx.Done():
		b.logger.Warn("Worker not ready before timeout", "timeout", timeout.String())
	}

	return b.lookup(ctx)
}

func (b *Bridge) lookup(ctx context.Context) Registration {
	reg, err := b.worker.Registration(ctx)
	if err != nil {
		b.logger.Debug("Worker registration lookup failed", "error", err)
		return nil
	}
	return reg
}

// CreateOrReuseSubscription returns the registration's push subscription,
// creating one only when none exists and a server key is configured.
func (b *Bridge) CreateOrReuseSubscription(ctx context.Context, reg Registration) *webpush.Subscription {
	if reg == nil {
		return nil
	}
	pm := reg.PushManager()
	if pm == nil {
		return nil
	}

	existing, err := pm.Subscription(ctx)
	if err != nil {
		b.logger.Warn("Push subscription lookup failed", "error", err)
		return nil
	}
	if existing != nil {
		return existing
	}

	if b.vapidKey == "" {
		b.logger.Warn("VAPID public key is not configured, skipping push subscription")
		return nil
	}
	key, err := DecodeServerKey(b.vapidKey)
	if err != nil {
		b.logger.Error("Invalid VAPID public key, skipping push subscription", "error", err)
		return nil
	}

	sub, err := pm.Subscribe(ctx, key)
	if err != nil {
		b.logger.Error("Push subscribe failed", "error", err)
		return nil
	}
	b.logger.Info("Push subscription created", "endpoint", truncate(sub.Endpoint, 50))
	return sub
}

// Subscription ensures the worker and returns its push subscription, or nil.
func (b *Bridge) Subscription(ctx context.Context) *webpush.Subscription {
	return b.CreateOrReuseSubscription(ctx, b.EnsureReady(ctx, b.readyTimeout))
}

// ShowNotification displays n. The caller must already hold an ALLOWED gate
// decision. The worker path is preferred because it outlives the page; the
// direct path wires its own click navigation.
func (b *Bridge) ShowNotification(ctx context.Context, n notifier.Notification) error {
	if !b.Supported() {
		return errors.New("notifications not supported")
	}
	if b.platform.Permission(ctx) != notifier.PermissionGranted {
		return ErrNotPermitted
	}

	if reg := b.EnsureReady(ctx, b.readyTimeout); reg != nil {
		if err := reg.ShowNotification(ctx, n); err != nil {
			return fmt.Errorf("worker notification: %w", err)
		}
		return nil
	}

	b.logger.Info("No worker available, using direct notification", "tag", n.Tag)
	url := n.URL
	onClick := func() {
		if url == "" {
			return
		}
		if err := b.platform.Open(url); err != nil {
			b.logger.Warn("Failed to open notification target", "url", url, "error", err)
		}
	}
	if err := b.platform.Notify(ctx, n, onClick); err != nil {
		return fmt.Errorf("direct notification: %w", err)
	}
	return nil
}

// DecodeServerKey decodes a base64url VAPID public key into the raw
// uncompressed P-256 point expected by push managers.
func DecodeServerKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode server key: %w", err)
		}
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("server key is %d bytes, want 65-byte uncompressed point", len(raw))
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("server key is not a P-256 point: %w", err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
