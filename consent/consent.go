// Package consent drives the consent and blocked-recovery dialogs.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"article-notifier/ledger"
	"article-notifier/pkg/notifier"
)

// Mode is the dialog currently shown.
type Mode string

// Dialog modes.
const (
	ModeNone    Mode = "none"
	ModeConsent Mode = "consent"
	ModeBlocked Mode = "blocked"
	ModeSuccess Mode = "success"
)

// Default timings.
const (
	DefaultDisplayDelay        = 3 * time.Second
	DefaultSuccessDuration     = 5 * time.Second
	DefaultWelcomeDelay        = 500 * time.Millisecond
	DefaultBlockedHelpCooldown = 24 * time.Hour
)

// ErrInvalidTransition is returned when an action does not apply to the current mode.
var ErrInvalidTransition = errors.New("action not valid in current mode")

// Platform is the permission side of the notification platform.
type Platform interface {
	Supported() bool
	Permission(ctx context.Context) notifier.Permission
	RequestPermission(ctx context.Context) (notifier.Permission, error)
}

// Gate evaluates the delivery decision.
type Gate interface {
	Evaluate(ctx context.Context) notifier.Decision
	EvaluatePrompt(ctx context.Context) notifier.Decision
}

// Notifier shows a notification.
type Notifier interface {
	ShowNotification(ctx context.Context, n notifier.Notification) error
}

// Syncer schedules a background subscription sync.
type Syncer interface {
	Trigger()
}

// State is a snapshot of the dialog for rendering.
type State struct {
	Instructions    *Instructions `json:"instructions,omitempty"`
	Mode            Mode          `json:"mode"`
	PendingApproval bool          `json:"pending_approval"`
}

// Controller is the dialog state machine. It is safe for concurrent use.
type Controller struct {
	platform     Platform
	gate         Gate
	ledger       *ledger.Ledger
	notifier     Notifier
	sync         Syncer
	onChange     func()
	logger       *slog.Logger
	now          func() time.Time
	ctx          context.Context // Parent of timer-driven work
	cancel       context.CancelFunc
	displayTimer *time.Timer
	successTimer *time.Timer
	welcomeTimer *time.Timer
	instructions Instructions
	siteName     string
	mode         Mode
	displayDelay time.Duration
	successFor   time.Duration
	welcomeDelay time.Duration
	helpCooldown time.Duration
	busy         bool // A user action is being processed
	mu           sync.Mutex
}

// Config configures a Controller.
type Config struct {
	Platform            Platform
	Gate                Gate
	Ledger              *ledger.Ledger
	Notifier            Notifier
	Sync                Syncer
	OnChange            func() // Subscription state changed
	Logger              *slog.Logger
	Now                 func() time.Time
	UserAgent           string
	SiteName            string
	DisplayDelay        time.Duration
	SuccessDuration     time.Duration
	WelcomeDelay        time.Duration
	BlockedHelpCooldown time.Duration
}

// New creates a Controller in ModeNone.
func New(cfg *Config) *Controller {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		platform:     cfg.Platform,
		gate:         cfg.Gate,
		ledger:       cfg.Ledger,
		notifier:     cfg.Notifier,
		sync:         cfg.Sync,
		onChange:     cfg.OnChange,
		logger:       cfg.Logger,
		now:          now,
		ctx:          ctx,
		cancel:       cancel,
		instructions: InstructionsFor(cfg.UserAgent),
		siteName:     cfg.SiteName,
		mode:         ModeNone,
		displayDelay: orDefault(cfg.DisplayDelay, DefaultDisplayDelay),
		successFor:   orDefault(cfg.SuccessDuration, DefaultSuccessDuration),
		welcomeDelay: orDefault(cfg.WelcomeDelay, DefaultWelcomeDelay),
		helpCooldown: orDefault(cfg.BlockedHelpCooldown, DefaultBlockedHelpCooldown),
	}
	if c.siteName == "" {
		c.siteName = "ClassinNews"
	}
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Mount decides which dialog, if any, to show on app load. A consent dialog
// appears after the display delay; mounting again replaces the pending timer.
func (c *Controller) Mount(ctx context.Context) State {
	c.mu.Lock()
	c.stopTimer(&c.displayTimer)
	c.mu.Unlock()

	if c.platform == nil || !c.platform.Supported() {
		c.setMode(ModeNone)
		return c.State(ctx)
	}

	decision := c.gate.EvaluatePrompt(ctx)

	if c.platform.Permission(ctx) == notifier.PermissionDenied {
		if c.blockedHelpDue(ctx) {
			c.enterBlocked(ctx)
		} else {
			c.setMode(ModeNone)
		}
		return c.State(ctx)
	}

	if decision.Verdict != notifier.VerdictAsk {
		c.logger.Debug("Consent dialog not needed", "verdict", decision.Verdict, "reason", decision.Reason)
		c.setMode(ModeNone)
		return c.State(ctx)
	}

	c.mu.Lock()
	c.mode = ModeNone
	c.displayTimer = time.AfterFunc(c.displayDelay, c.showConsent)
	c.mu.Unlock()
	c.logger.Info("Consent dialog scheduled", "delay", c.displayDelay.String())
	return c.State(ctx)
}

func (c *Controller) showConsent() {
	c.mu.Lock()
	if c.ctx.Err() != nil || c.mode != ModeNone {
		c.mu.Unlock()
		return
	}
	c.mode = ModeConsent
	c.displayTimer = nil
	c.mu.Unlock()
	c.logger.Info("Consent dialog shown")
}

// Allow requests the platform permission from the consent dialog.
func (c *Controller) Allow(ctx context.Context) (State, error) {
	done, err := c.begin(ModeConsent)
	if err != nil {
		return c.State(ctx), err
	}
	defer done()

	if err := c.ledger.MarkAsked(ctx); err != nil {
		c.logger.Warn("Failed to record permission prompt", "error", err)
	}
	perm, err := c.platform.RequestPermission(ctx)
	if err != nil {
		c.logger.Error("Permission request failed", "error", err)
		c.setMode(ModeNone)
		return c.State(ctx), fmt.Errorf("request permission: %w", err)
	}

	switch perm {
	case notifier.PermissionGranted:
		if err := c.ledger.MarkAccepted(ctx); err != nil {
			c.logger.Warn("Failed to record acceptance", "error", err)
		}
		c.logger.Info("Notifications accepted")

		c.mu.Lock()
		c.mode = ModeSuccess
		c.stopTimer(&c.successTimer)
		c.successTimer = time.AfterFunc(c.successFor, c.hideSuccess)
		c.stopTimer(&c.welcomeTimer)
		c.welcomeTimer = time.AfterFunc(c.welcomeDelay, c.sendWelcome)
		c.mu.Unlock()

		c.subscriptionChanged()
	case notifier.PermissionDenied:
		if err := c.ledger.MarkDenied(ctx, c.now()); err != nil {
			c.logger.Warn("Failed to record denial", "error", err)
		}
		c.logger.Info("Notifications denied at platform prompt")
		c.enterBlocked(ctx)
	default:
		c.logger.Info("Permission prompt dismissed, treating as later")
		c.later(ctx)
	}
	return c.State(ctx), nil
}

// Later records a soft denial and closes the consent dialog.
func (c *Controller) Later(ctx context.Context) (State, error) {
	done, err := c.begin(ModeConsent)
	if err != nil {
		return c.State(ctx), err
	}
	defer done()
	c.later(ctx)
	return c.State(ctx), nil
}

func (c *Controller) later(ctx context.Context) {
	if err := c.ledger.MarkDenied(ctx, c.now()); err != nil {
		c.logger.Warn("Failed to record soft denial", "error", err)
	}
	c.setMode(ModeNone)
}

// Dismiss closes whichever dialog is open.
func (c *Controller) Dismiss(ctx context.Context) State {
	c.mu.Lock()
	mode, busy := c.mode, c.busy
	c.mu.Unlock()
	if busy {
		return c.State(ctx)
	}

	switch mode {
	case ModeConsent:
		c.later(ctx)
	case ModeBlocked:
		if err := c.ledger.MarkBlockedHelpDismissed(ctx, c.now()); err != nil {
			c.logger.Warn("Failed to record blocked help dismissal", "error", err)
		}
		c.setMode(ModeNone)
	case ModeSuccess:
		c.mu.Lock()
		c.stopTimer(&c.successTimer)
		c.mu.Unlock()
		c.setMode(ModeNone)
	default:
	}
	return c.State(ctx)
}

// Recheck re-evaluates the gate after the user reports fixing their browser
// settings. It never re-requests permission.
func (c *Controller) Recheck(ctx context.Context) (State, error) {
	done, err := c.begin(ModeBlocked)
	if err != nil {
		return c.State(ctx), err
	}
	defer done()

	decision := c.gate.Evaluate(ctx)
	perm := c.platform.Permission(ctx)
	c.logger.Info("Blocked state rechecked", "permission", perm, "verdict", decision.Verdict)
	if perm == notifier.PermissionDenied {
		return c.State(ctx), nil
	}

	c.setMode(ModeNone)
	if perm == notifier.PermissionGranted {
		c.subscriptionChanged()
	}
	return c.State(ctx), nil
}

// State returns the current dialog snapshot.
func (c *Controller) State(ctx context.Context) State {
	c.mu.Lock()
	s := State{Mode: c.mode}
	if c.mode == ModeBlocked {
		in := c.instructions
		s.Instructions = &in
	}
	c.mu.Unlock()

	if e, err := c.ledger.Entry(ctx); err == nil {
		s.PendingApproval = e.PendingApproval
	}
	return s
}

// Close stops all pending timers. The controller must not be used afterwards.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimer(&c.displayTimer)
	c.stopTimer(&c.successTimer)
	c.stopTimer(&c.welcomeTimer)
}

func (c *Controller) blockedHelpDue(ctx context.Context) bool {
	seen, err := c.ledger.BlockedHelpSeen(ctx)
	if err != nil {
		c.logger.Warn("Failed to read blocked help history", "error", err)
		return false
	}
	return seen.IsZero() || c.now().Sub(seen) >= c.helpCooldown
}

func (c *Controller) enterBlocked(ctx context.Context) {
	if err := c.ledger.MarkBlockedHelpShown(ctx, c.now()); err != nil {
		c.logger.Warn("Failed to record blocked help", "error", err)
	}
	c.setMode(ModeBlocked)
	c.logger.Info("Blocked notifications help shown", "browser", c.instructions.Browser)
}

func (c *Controller) hideSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeSuccess {
		c.mode = ModeNone
	}
	c.successTimer = nil
}

func (c *Controller) sendWelcome() {
	c.mu.Lock()
	c.welcomeTimer = nil
	c.mu.Unlock()
	if c.notifier == nil || c.ctx.Err() != nil {
		return
	}
	n := notifier.Notification{
		Title: fmt.Sprintf("Welcome to %s!", c.siteName),
		Body:  "You'll now receive notifications about new articles",
		Icon:  "/logo.png",
		Tag:   "welcome",
	}
	if err := c.notifier.ShowNotification(c.ctx, n); err != nil {
		c.logger.Warn("Failed to show welcome notification", "error", err)
	}
}

// subscriptionChanged starts a background sync and signals listeners. It
// never waits for the sync.
func (c *Controller) subscriptionChanged() {
	if c.sync != nil {
		c.sync.Trigger()
	}
	if c.onChange != nil {
		c.onChange()
	}
}

// begin claims the controller for one user action in mode. Only one action
// runs at a time, so the platform prompt is raised at most once.
func (c *Controller) begin(mode Mode) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != mode {
		return nil, fmt.Errorf("%w: in %s, need %s", ErrInvalidTransition, c.mode, mode)
	}
	if c.busy {
		return nil, fmt.Errorf("%w: another action is in progress", ErrInvalidTransition)
	}
	c.busy = true
	return func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}, nil
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// stopTimer stops and clears *t. c.mu must be held.
func (c *Controller) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
