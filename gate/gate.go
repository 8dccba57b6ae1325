// Package gate derives the delivery decision from the live platform
// permission, the remote policy and the consent ledger.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/mssola/useragent"

	"article-notifier/ledger"
	"article-notifier/pkg/notifier"
	"article-notifier/policy"
)

// ResyncInterval is how stale the last registry sync may get before a
// granted evaluation schedules another one.
const ResyncInterval = 6 * time.Hour

// Decision reasons.
const (
	ReasonUnsupported    = "unsupported"
	ReasonPlatformDenied = "platform denied"
	ReasonGranted        = "platform granted"
	ReasonPushDisabled   = "push disabled by policy"
	ReasonAlertsDisabled = "article alerts disabled by policy"
	ReasonDeviceDisabled = "device class disabled by policy"
	ReasonAccepted       = "accepted"
	ReasonCooldown       = "cooldown active"
	ReasonCooldownOver   = "cooldown elapsed"
	ReasonNeverAsked     = "not asked"
)

// Capability is the platform notification permission source.
type Capability interface {
	Supported() bool
	Permission(ctx context.Context) notifier.Permission
}

// PolicySource returns a policy no older than maxAge. It must not fail.
type PolicySource interface {
	Get(ctx context.Context, maxAge time.Duration) notifier.Policy
}

// Resyncer schedules a background registry sync without blocking.
type Resyncer interface {
	Trigger()
}

// Gate evaluates whether alerts may be delivered right now.
type Gate struct {
	platform Capability
	policy   PolicySource
	ledger   *ledger.Ledger
	resync   Resyncer
	logger   *slog.Logger
	now      func() time.Time
	device   notifier.DeviceClass
}

// Config configures a Gate.
type Config struct {
	Platform  Capability
	Policy    PolicySource
	Ledger    *ledger.Ledger
	Resync    Resyncer // Optional
	Logger    *slog.Logger
	Now       func() time.Time
	UserAgent string // Identifies the device class once, at construction
}

// New creates a Gate.
func New(cfg *Config) *Gate {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		platform: cfg.Platform,
		policy:   cfg.Policy,
		ledger:   cfg.Ledger,
		resync:   cfg.Resync,
		logger:   cfg.Logger,
		now:      now,
		device:   DeviceClass(cfg.UserAgent),
	}
}

// DeviceClass classifies a user agent string. An empty or unrecognized agent
// is treated as desktop.
func DeviceClass(userAgent string) notifier.DeviceClass {
	if userAgent == "" {
		return notifier.DeviceDesktop
	}
	if useragent.New(userAgent).Mobile() {
		return notifier.DeviceMobile
	}
	return notifier.DeviceDesktop
}

// Device returns the device class fixed at construction.
func (g *Gate) Device() notifier.DeviceClass {
	return g.device
}

// Evaluate returns the delivery decision using the short delivery policy window.
func (g *Gate) Evaluate(ctx context.Context) notifier.Decision {
	return g.evaluate(ctx, policy.DeliveryMaxAge)
}

// EvaluatePrompt returns the decision using the longer consent-popup window.
func (g *Gate) EvaluatePrompt(ctx context.Context) notifier.Decision {
	return g.evaluate(ctx, policy.PromptMaxAge)
}

func (g *Gate) evaluate(ctx context.Context, maxAge time.Duration) notifier.Decision {
	if g.platform == nil || !g.platform.Supported() {
		return blocked(ReasonUnsupported)
	}

	// The live permission can change outside the app and always wins.
	switch g.platform.Permission(ctx) {
	case notifier.PermissionDenied:
		g.recordPlatformDenied(ctx)
		return blocked(ReasonPlatformDenied)
	case notifier.PermissionGranted:
		g.recordPlatformGranted(ctx)
		return notifier.Decision{Verdict: notifier.VerdictAllowed, Reason: ReasonGranted}
	default:
	}

	p := g.policy.Get(ctx, maxAge)
	if reason := g.policyBlock(p); reason != "" {
		return blocked(reason)
	}

	e, err := g.ledger.Entry(ctx)
	if err != nil {
		g.logger.Warn("Failed to read consent ledger", "error", err)
		return notifier.Decision{Verdict: notifier.VerdictAsk, Reason: ReasonNeverAsked}
	}

	if e.Accepted {
		return notifier.Decision{Verdict: notifier.VerdictAllowed, Reason: ReasonAccepted}
	}
	if e.Denied {
		if daysSince(e.DeniedAt, g.now()) < p.ReappearDays {
			return blocked(ReasonCooldown)
		}
		if err := g.ledger.ClearDenied(ctx); err != nil {
			g.logger.Warn("Failed to clear expired denial", "error", err)
		}
		return notifier.Decision{Verdict: notifier.VerdictAsk, Reason: ReasonCooldownOver}
	}
	return notifier.Decision{Verdict: notifier.VerdictAsk, Reason: ReasonNeverAsked}
}

// DeliveryEnabled checks only the remote policy flags for this device, using
// the delivery window. The admin switches apply to alert delivery even after
// the platform permission was granted.
func (g *Gate) DeliveryEnabled(ctx context.Context) (bool, string) {
	reason := g.policyBlock(g.policy.Get(ctx, policy.DeliveryMaxAge))
	return reason == "", reason
}

func (g *Gate) policyBlock(p notifier.Policy) string {
	switch {
	case !p.PushEnabled:
		return ReasonPushDisabled
	case !p.ArticleAlertsEnabled:
		return ReasonAlertsDisabled
	case !p.DeviceEnabled(g.device):
		return ReasonDeviceDisabled
	}
	return ""
}

// recordPlatformDenied keeps an existing denial timestamp so repeated
// evaluations do not restart the cooldown.
func (g *Gate) recordPlatformDenied(ctx context.Context) {
	e, err := g.ledger.Entry(ctx)
	if err != nil {
		g.logger.Warn("Failed to read consent ledger", "error", err)
		return
	}
	if e.Denied && !e.DeniedAt.IsZero() {
		return
	}
	if err := g.ledger.MarkDenied(ctx, g.now()); err != nil {
		g.logger.Warn("Failed to record platform denial", "error", err)
	}
}

func (g *Gate) recordPlatformGranted(ctx context.Context) {
	e, err := g.ledger.Entry(ctx)
	if err != nil {
		g.logger.Warn("Failed to read consent ledger", "error", err)
		return
	}
	if !e.Accepted || e.Denied {
		if err := g.ledger.MarkAccepted(ctx); err != nil {
			g.logger.Warn("Failed to record acceptance", "error", err)
		} else {
			g.logger.Info("Consent ledger reconciled with granted permission")
		}
	}
	if g.resync != nil && (e.LastSyncAt.IsZero() || g.now().Sub(e.LastSyncAt) >= ResyncInterval) {
		g.logger.Debug("Subscription sync is stale, scheduling resync", "last_sync", e.LastSyncAt)
		g.resync.Trigger()
	}
}

func blocked(reason string) notifier.Decision {
	return notifier.Decision{Verdict: notifier.VerdictBlocked, Reason: reason}
}

// daysSince returns fractional days between then and now. A missing
// timestamp counts as infinitely old.
func daysSince(then, now time.Time) float64 {
	if then.IsZero() {
		return 1e9
	}
	return now.Sub(then).Hours() / 24
}
