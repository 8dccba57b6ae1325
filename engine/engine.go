// Package engine wires the consent, subscription and delivery components of
// one client installation together and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"article-notifier/agent"
	"article-notifier/config"
	"article-notifier/consent"
	"article-notifier/content"
	"article-notifier/gate"
	"article-notifier/kvstore"
	"article-notifier/ledger"
	"article-notifier/pkg/notifier"
	"article-notifier/platform"
	"article-notifier/poll"
	"article-notifier/policy"
	"article-notifier/subsync"
)

// Options override how New builds the engine. Only Config and Logger are required.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   kvstore.Store    // Opened from Config.StoreDSN when nil
	Surface platform.Surface // Built from Config.Email when nil
	Client  *http.Client
	Now     func() time.Time
}

// Engine is a fully wired client installation.
type Engine struct {
	Store    kvstore.Store
	Platform *platform.Local
	Ledger   *ledger.Ledger
	Policy   *policy.Cache
	Gate     *gate.Gate
	Agent    *agent.Bridge
	Sync     *subsync.Syncer
	Consent  *consent.Controller
	Poller   *poll.Poller

	logger       *slog.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	readyTimeout time.Duration
	mu           sync.Mutex
	started      bool
	stopped      bool
}

// Status summarizes the installation for the status command and API.
type Status struct {
	Entry      notifier.Entry       `json:"entry"`
	Decision   notifier.Decision    `json:"decision"`
	Permission notifier.Permission  `json:"permission"`
	Device     notifier.DeviceClass `json:"device"`
	LastSeen   string               `json:"last_seen_article,omitempty"`
	Supported  bool                 `json:"supported"`
}

// New builds every component. Nothing runs until Start.
func New(ctx context.Context, opts *Options) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	store := opts.Store
	if store == nil {
		var err error
		if store, err = kvstore.Open(ctx, cfg.StoreDSN, logger); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	surface := opts.Surface
	if surface == nil {
		var err error
		if surface, err = newSurface(ctx, cfg, logger); err != nil {
			if cerr := store.Close(); cerr != nil {
				logger.Warn("Failed to close store", "error", cerr)
			}
			return nil, err
		}
	}

	answer, err := notifier.ParsePermission(cfg.PromptAnswer)
	if err != nil {
		answer = notifier.PermissionGranted
	}

	e := &Engine{
		Store:        store,
		Ledger:       ledger.New(store),
		logger:       logger,
		readyTimeout: cfg.ReadyTimeout,
	}

	e.Platform = platform.New(&platform.Config{
		Store:          store,
		Surface:        surface,
		Logger:         logger.With("component", "platform"),
		Now:            now,
		PromptAnswer:   answer,
		StartupDelay:   cfg.WorkerStartupDelay,
		CollapseWindow: cfg.CollapseWindow,
	})

	e.Policy = policy.New(&policy.Config{
		Client:   client,
		Logger:   logger.With("component", "policy"),
		Now:      now,
		AdminURL: cfg.AdminURL,
	})

	e.Agent = agent.New(&agent.Config{
		Worker:         e.Platform,
		Platform:       e.Platform,
		Logger:         logger.With("component", "agent"),
		VAPIDPublicKey: cfg.VAPIDPublicKey,
		ReadyTimeout:   cfg.ReadyTimeout,
	})

	e.Sync = subsync.New(&subsync.Config{
		Client:        client,
		Logger:        logger.With("component", "subsync"),
		Ledger:        e.Ledger,
		Store:         store,
		Platform:      e.Platform,
		Subscriptions: e.Agent,
		Now:           now,
		Device:        deviceInfo(cfg.UserAgent),
		AdminURL:      cfg.AdminURL,
		Interval:      cfg.SyncInterval,
	})

	e.Gate = gate.New(&gate.Config{
		Platform:  e.Platform,
		Policy:    e.Policy,
		Ledger:    e.Ledger,
		Resync:    e.Sync,
		Logger:    logger.With("component", "gate"),
		Now:       now,
		UserAgent: cfg.UserAgent,
	})

	e.Poller = poll.New(&poll.Config{
		Fetcher:    content.New(client, logger.With("component", "content"), cfg.APIURL),
		Gate:       e.Gate,
		Platform:   e.Platform,
		Notifier:   e.Agent,
		Store:      store,
		Logger:     logger.With("component", "poll"),
		Now:        now,
		SiteURL:    cfg.SiteURL,
		Period:     cfg.PollPeriod,
		FirstDelay: cfg.FirstCheckDelay,
	})
	e.Sync.OnChange(e.Poller.Invalidate)

	e.Consent = consent.New(&consent.Config{
		Platform:     e.Platform,
		Gate:         e.Gate,
		Ledger:       e.Ledger,
		Notifier:     e.Agent,
		Sync:         e.Sync,
		OnChange:     e.subscriptionChanged,
		Logger:       logger.With("component", "consent"),
		Now:          now,
		UserAgent:    cfg.UserAgent,
		SiteName:     cfg.SiteName,
		DisplayDelay: cfg.ConsentDelay,
	})

	return e, nil
}

// subscriptionChanged drops cached decisions after a permission change.
func (e *Engine) subscriptionChanged() {
	e.Policy.Invalidate()
	e.Poller.Invalidate()
}

// Start registers the delivery worker and launches the poller and the
// periodic subscription sync. Calls after the first are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if e.Agent.EnsureReady(ctx, e.readyTimeout) == nil {
			e.logger.Warn("Delivery worker not ready, notifications will use the direct path")
		}
	}()
	go func() {
		defer e.wg.Done()
		e.Sync.Run(ctx)
	}()

	e.Poller.Start(ctx)
	e.logger.Info("Notification engine started", "device", e.Gate.Device())
}

// Stop halts all background work and closes the store. It is safe to call
// more than once.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.Poller.Stop()
	e.wg.Wait()
	e.Consent.Close()

	if err := e.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	e.logger.Info("Notification engine stopped")
	return nil
}

// Status evaluates the gate and reads the ledger.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	// Evaluation may self-heal the ledger, so it runs first.
	decision := e.Gate.Evaluate(ctx)
	entry, err := e.Ledger.Entry(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	lastSeen, _, err := e.Store.Get(ctx, poll.KeyLastSeen)
	if err != nil {
		return nil, fmt.Errorf("read last seen marker: %w", err)
	}
	return &Status{
		Supported:  e.Platform.Supported(),
		Permission: e.Platform.Permission(ctx),
		Decision:   decision,
		Device:     e.Gate.Device(),
		Entry:      entry,
		LastSeen:   lastSeen,
	}, nil
}

// Reset clears the consent ledger and the push subscription. The last seen
// article marker is kept so a fresh consent does not replay old articles.
func (e *Engine) Reset(ctx context.Context) error {
	err := errors.Join(e.Ledger.Reset(ctx), e.Platform.Unsubscribe(ctx))
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	e.subscriptionChanged()
	return nil
}

func deviceInfo(userAgent string) notifier.DeviceInfo {
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "en-US"
	}
	ua := userAgent
	if ua == "" {
		ua = "article-notifier (" + runtime.GOOS + ")"
	}
	return notifier.DeviceInfo{
		UserAgent: ua,
		Platform:  runtime.GOOS,
		Language:  lang,
		Timezone:  time.Local.String(),
	}
}
