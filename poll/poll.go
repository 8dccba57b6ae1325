// Package poll watches the content API for new articles and raises at most
// one notification per distinct article.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"article-notifier/kvstore"
	"article-notifier/pkg/notifier"
)

// Timing and presentation defaults.
const (
	DefaultPeriod     = 5 * time.Second
	DefaultFirstDelay = 2 * time.Second
	GateCacheTTL      = 60 * time.Second

	// KeyLastSeen holds the id of the newest article already surfaced.
	KeyLastSeen = "last_article_notified_id"

	notificationTitle = "New Article Published"
	defaultIcon       = "/logo.svg"
	defaultBadge      = "/badge.svg"
)

// Fetcher returns the newest article.
type Fetcher interface {
	Latest(ctx context.Context) (*notifier.Article, error)
}

// Gate derives the delivery decision.
type Gate interface {
	Evaluate(ctx context.Context) notifier.Decision
	DeliveryEnabled(ctx context.Context) (bool, string)
}

// Permission reports the live platform permission.
type Permission interface {
	Permission(ctx context.Context) notifier.Permission
}

// Notifier displays a notification.
type Notifier interface {
	ShowNotification(ctx context.Context, n notifier.Notification) error
}

// Poller runs the change detector. All checks are serialized; a slow check
// delays the next one rather than overlapping it.
type Poller struct {
	fetcher    Fetcher
	gate       Gate
	platform   Permission
	notifier   Notifier
	store      kvstore.Store
	logger     *slog.Logger
	now        func() time.Time
	trigger    chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	siteURL    string
	period     time.Duration
	firstDelay time.Duration

	tickMu sync.Mutex // Held for the duration of a check

	mu            sync.Mutex
	gateCheckedAt time.Time
	gateAllowed   bool
	started       bool
}

// Config configures a Poller.
type Config struct {
	Fetcher    Fetcher
	Gate       Gate
	Platform   Permission
	Notifier   Notifier
	Store      kvstore.Store
	Logger     *slog.Logger
	Now        func() time.Time
	SiteURL    string // Public origin used to build article links
	Period     time.Duration
	FirstDelay time.Duration
}

// New creates a Poller. It does nothing until Start.
func New(cfg *Config) *Poller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	period := cfg.Period
	if period <= 0 {
		period = DefaultPeriod
	}
	firstDelay := cfg.FirstDelay
	if firstDelay <= 0 {
		firstDelay = DefaultFirstDelay
	}
	return &Poller{
		fetcher:    cfg.Fetcher,
		gate:       cfg.Gate,
		platform:   cfg.Platform,
		notifier:   cfg.Notifier,
		store:      cfg.Store,
		logger:     cfg.Logger,
		now:        now,
		trigger:    make(chan struct{}, 1),
		siteURL:    strings.TrimSuffix(cfg.SiteURL, "/"),
		period:     period,
		firstDelay: firstDelay,
	}
}

// Start launches the polling loop. Calls after the first are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		p.logger.Debug("Poller already started")
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight check to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Invalidate drops the cached gate decision and requests an immediate check.
// It is called whenever the subscription state changes.
func (p *Poller) Invalidate() {
	p.mu.Lock()
	p.gateCheckedAt = time.Time{}
	p.mu.Unlock()

	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	first := time.NewTimer(p.firstDelay)
	defer first.Stop()
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	p.logger.Info("Article poller started", "period", p.period.String(), "first_check", p.firstDelay.String())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Article poller stopped")
			return
		case <-first.C:
		case <-ticker.C:
		case <-p.trigger:
		}
		if err := p.Check(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("Article check failed", "error", err)
		}
	}
}

// Check runs a single poll tick. Errors are returned for logging only; the
// loop keeps running regardless.
func (p *Poller) Check(ctx context.Context) error {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	if !p.allowed(ctx) {
		p.logger.Debug("Delivery not allowed, skipping article check")
		return nil
	}

	article, err := p.fetcher.Latest(ctx)
	if err != nil {
		return fmt.Errorf("fetch latest: %w", err)
	}

	lastSeen, hasMarker, err := p.store.Get(ctx, KeyLastSeen)
	if err != nil {
		return fmt.Errorf("read last seen marker: %w", err)
	}

	if !hasMarker {
		p.logger.Info("Seeding last seen article", "article_id", article.ID)
	} else if lastSeen != article.ID {
		n := Notification(article, p.siteURL)
		p.logger.Info("New article detected", "article_id", article.ID, "previous", lastSeen, "tag", n.Tag)
		if err := p.notifier.ShowNotification(ctx, n); err != nil {
			// The marker still advances; a retry would only be collapsed by the tag.
			p.logger.Warn("Failed to show article notification", "article_id", article.ID, "error", err)
		}
	}

	if err := p.store.Set(ctx, KeyLastSeen, article.ID); err != nil {
		return fmt.Errorf("advance last seen marker: %w", err)
	}
	return nil
}

// allowed combines the live permission with the cached gate decision.
func (p *Poller) allowed(ctx context.Context) bool {
	if p.platform.Permission(ctx) != notifier.PermissionGranted {
		return false
	}

	now := p.now()
	p.mu.Lock()
	if !p.gateCheckedAt.IsZero() && now.Sub(p.gateCheckedAt) < GateCacheTTL {
		ok := p.gateAllowed
		p.mu.Unlock()
		return ok
	}
	p.mu.Unlock()

	ok := p.gate.Evaluate(ctx).Allowed()
	if ok {
		var reason string
		if ok, reason = p.gate.DeliveryEnabled(ctx); !ok {
			p.logger.Debug("Article alerts disabled by policy", "reason", reason)
		}
	}

	p.mu.Lock()
	p.gateAllowed = ok
	p.gateCheckedAt = now
	p.mu.Unlock()
	return ok
}

// Notification builds the alert for a newly published article.
func Notification(a *notifier.Article, siteURL string) notifier.Notification {
	icon := a.FeaturedImageURL
	if icon == "" {
		icon = defaultIcon
	}
	return notifier.Notification{
		Title: notificationTitle,
		Body:  a.Title,
		Icon:  icon,
		Badge: defaultBadge,
		Tag:   "article-" + a.ID,
		URL:   strings.TrimSuffix(siteURL, "/") + "/articles/" + a.Slug,
	}
}
