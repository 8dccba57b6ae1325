// Package platform is the notification platform of a headless client
// installation: a persisted permission tri-state, a background delivery
// worker with a push manager, and a mailbox as the visible surface.
package platform

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"article-notifier/agent"
	"article-notifier/kvstore"
	"article-notifier/pkg/notifier"
)

// Storage keys owned by the platform.
const (
	KeyPermission   = "platform_permission"
	KeySubscription = "platform_push_subscription"
)

// Defaults.
const (
	DefaultCollapseWindow = 10 * time.Minute
	maxRecentTags         = 256
)

// Surface delivers a rendered notification to the user.
type Surface interface {
	SendNotification(ctx context.Context, n notifier.Notification) error
}

// Local implements the platform capability and background worker on top of
// the installation's key/value store.
type Local struct {
	store          kvstore.Store
	surface        Surface
	logger         *slog.Logger
	now            func() time.Time
	ready          chan struct{}
	recent         map[string]time.Time // Tag -> last delivery
	clicks         map[string]func()    // Tag -> direct notification click handler
	promptAnswer   notifier.Permission
	endpointBase   string
	opened         []string
	startupDelay   time.Duration
	collapseWindow time.Duration
	mu             sync.Mutex
	registered     bool
}

// Config configures a Local platform.
type Config struct {
	Store   kvstore.Store
	Surface Surface
	Logger  *slog.Logger
	Now     func() time.Time
	// PromptAnswer is how the simulated permission prompt resolves the first
	// time it is shown. Empty means granted.
	PromptAnswer   notifier.Permission
	EndpointBase   string // Base of minted push endpoints
	StartupDelay   time.Duration
	CollapseWindow time.Duration
}

// New creates a Local platform.
func New(cfg *Config) *Local {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	answer := cfg.PromptAnswer
	if answer == "" {
		answer = notifier.PermissionGranted
	}
	window := cfg.CollapseWindow
	if window <= 0 {
		window = DefaultCollapseWindow
	}
	base := cfg.EndpointBase
	if base == "" {
		base = "local://push"
	}
	return &Local{
		store:          cfg.Store,
		surface:        cfg.Surface,
		logger:         cfg.Logger,
		now:            now,
		ready:          make(chan struct{}),
		recent:         make(map[string]time.Time),
		clicks:         make(map[string]func()),
		promptAnswer:   answer,
		endpointBase:   base,
		startupDelay:   cfg.StartupDelay,
		collapseWindow: window,
	}
}

// Supported reports whether notifications can be shown at all.
func (l *Local) Supported() bool {
	return l.surface != nil
}

// Permission returns the stored permission. Missing or invalid values read as default.
func (l *Local) Permission(ctx context.Context) notifier.Permission {
	v, ok, err := l.store.Get(ctx, KeyPermission)
	if err != nil {
		l.logger.Warn("Failed to read platform permission", "error", err)
		return notifier.PermissionDefault
	}
	if !ok {
		return notifier.PermissionDefault
	}
	p, err := notifier.ParsePermission(v)
	if err != nil {
		l.logger.Warn("Ignoring invalid platform permission", "value", v)
		return notifier.PermissionDefault
	}
	return p
}

// SetPermission changes the permission from outside the app, the way a user
// would in browser settings.
func (l *Local) SetPermission(ctx context.Context, p notifier.Permission) error {
	if p == notifier.PermissionDefault {
		if err := l.store.Remove(ctx, KeyPermission); err != nil {
			return fmt.Errorf("reset permission: %w", err)
		}
		return nil
	}
	if err := l.store.Set(ctx, KeyPermission, string(p)); err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

// RequestPermission shows the permission prompt. Once decided, the prompt is
// never shown again and the stored decision is returned unchanged. A dismissed
// prompt resolves to default and is not stored.
func (l *Local) RequestPermission(ctx context.Context) (notifier.Permission, error) {
	if current := l.Permission(ctx); current != notifier.PermissionDefault {
		l.logger.Info("Permission already decided, prompt not shown", "permission", current)
		return current, nil
	}
	answer := l.promptAnswer
	l.logger.Info("Permission prompt resolved", "permission", answer)
	if answer == notifier.PermissionDefault {
		return answer, nil
	}
	if err := l.SetPermission(ctx, answer); err != nil {
		return notifier.PermissionDefault, err
	}
	return answer, nil
}

// Notify shows a notification directly, without the worker.
func (l *Local) Notify(ctx context.Context, n notifier.Notification, onClick func()) error {
	if onClick != nil && n.Tag != "" {
		l.mu.Lock()
		l.clicks[n.Tag] = onClick
		l.mu.Unlock()
	}
	return l.deliver(ctx, n)
}

// Click simulates the user clicking the direct notification with tag.
func (l *Local) Click(tag string) bool {
	l.mu.Lock()
	fn, ok := l.clicks[tag]
	delete(l.clicks, tag)
	l.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// Open records a navigation request.
func (l *Local) Open(url string) error {
	l.mu.Lock()
	l.opened = append(l.opened, url)
	l.mu.Unlock()
	l.logger.Info("Opening notification target", "url", url)
	return nil
}

// Opened returns the URLs navigated to so far.
func (l *Local) Opened() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.opened))
	copy(out, l.opened)
	return out
}

// deliver sends n unless a notification with the same tag was delivered
// within the collapse window.
func (l *Local) deliver(ctx context.Context, n notifier.Notification) error {
	if l.surface == nil {
		return fmt.Errorf("no notification surface configured")
	}
	now := l.now()
	if n.Tag != "" {
		l.mu.Lock()
		if last, ok := l.recent[n.Tag]; ok && now.Sub(last) < l.collapseWindow {
			l.mu.Unlock()
			l.logger.Info("Collapsed duplicate notification", "tag", n.Tag)
			return nil
		}
		l.remember(n.Tag, now)
		l.mu.Unlock()
	}
	if err := l.surface.SendNotification(ctx, n); err != nil {
		if n.Tag != "" {
			l.mu.Lock()
			delete(l.recent, n.Tag)
			l.mu.Unlock()
		}
		return err
	}
	return nil
}

// remember records a delivered tag, evicting the oldest beyond the cap.
// l.mu must be held.
func (l *Local) remember(tag string, at time.Time) {
	l.recent[tag] = at
	if len(l.recent) <= maxRecentTags {
		return
	}
	var oldest string
	var oldestAt time.Time
	for t, ts := range l.recent {
		if oldest == "" || ts.Before(oldestAt) {
			oldest, oldestAt = t, ts
		}
	}
	delete(l.recent, oldest)
}

// Registration implements agent.Worker.
func (l *Local) Registration(context.Context) (agent.Registration, error) {
	select {
	case <-l.ready:
		return &registration{l: l}, nil
	default:
		return nil, nil
	}
}

// Register implements agent.Worker. The worker becomes ready after the
// configured startup delay.
func (l *Local) Register(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.registered {
		return nil
	}
	l.registered = true
	l.logger.Info("Registering delivery worker", "startup_delay", l.startupDelay.String())
	if l.startupDelay <= 0 {
		close(l.ready)
		return nil
	}
	time.AfterFunc(l.startupDelay, func() {
		close(l.ready)
		l.logger.Info("Delivery worker ready")
	})
	return nil
}

// Ready implements agent.Worker.
func (l *Local) Ready(ctx context.Context) (agent.Registration, error) {
	select {
	case <-l.ready:
		return &registration{l: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type registration struct {
	l *Local
}

func (r *registration) PushManager() agent.PushManager {
	return &pushManager{l: r.l}
}

func (r *registration) ShowNotification(ctx context.Context, n notifier.Notification) error {
	return r.l.deliver(ctx, n)
}

type pushManager struct {
	l *Local
}

// Subscription returns the persisted push subscription, or nil.
func (p *pushManager) Subscription(ctx context.Context) (*webpush.Subscription, error) {
	raw, ok, err := p.l.store.Get(ctx, KeySubscription)
	if err != nil {
		return nil, fmt.Errorf("read push subscription: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil || sub.Endpoint == "" {
		p.l.logger.Warn("Discarding unreadable push subscription", "error", err)
		return nil, nil
	}
	return &sub, nil
}

// Subscribe mints a new subscription with a fresh P-256 key pair and auth secret.
func (p *pushManager) Subscribe(ctx context.Context, applicationServerKey []byte) (*webpush.Subscription, error) {
	if len(applicationServerKey) != 65 {
		return nil, fmt.Errorf("application server key is %d bytes, want 65", len(applicationServerKey))
	}
	_, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate client keys: %w", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	id := make([]byte, 12)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate endpoint id: %w", err)
	}

	sub := &webpush.Subscription{
		Endpoint: p.l.endpointBase + "/" + hex.EncodeToString(id),
		Keys: webpush.Keys{
			P256dh: publicKey,
			Auth:   base64.RawURLEncoding.EncodeToString(secret),
		},
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode push subscription: %w", err)
	}
	if err := p.l.store.Set(ctx, KeySubscription, string(data)); err != nil {
		return nil, fmt.Errorf("store push subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe drops the persisted push subscription.
func (l *Local) Unsubscribe(ctx context.Context) error {
	if err := l.store.Remove(ctx, KeySubscription); err != nil {
		return fmt.Errorf("remove push subscription: %w", err)
	}
	return nil
}
