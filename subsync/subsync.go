// Package subsync keeps the server-side subscription record in step with the
// local permission and push subscription.
package subsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"

	"article-notifier/kvstore"
	"article-notifier/ledger"
	"article-notifier/pkg/notifier"
)

// Defaults.
const (
	DefaultInterval = 6 * time.Hour
	DefaultTimeout  = 8 * time.Second

	// KeyReaderUser holds the signed-in reader as JSON with an "id" field.
	KeyReaderUser = "reader_user"

	subscriptionType = "web_push"
	statusPending    = "pending_approval"
)

// Permission reports the live platform permission.
type Permission interface {
	Permission(ctx context.Context) notifier.Permission
}

// SubscriptionSource returns the current push subscription handle, or nil.
type SubscriptionSource interface {
	Subscription(ctx context.Context) *webpush.Subscription
}

// Result is the outcome of a successful sync.
type Result struct {
	SubscriptionID  string
	PendingApproval bool
}

// Syncer pushes the local subscription to the registry.
type Syncer struct {
	client   *http.Client
	logger   *slog.Logger
	ledger   *ledger.Ledger
	store    kvstore.Store
	platform Permission
	subs     SubscriptionSource
	now      func() time.Time
	trigger  chan struct{}
	onChange func()
	url      string
	device   notifier.DeviceInfo
	interval time.Duration
	timeout  time.Duration
	mu       sync.Mutex
}

// Config configures a Syncer.
type Config struct {
	Client        *http.Client
	Logger        *slog.Logger
	Ledger        *ledger.Ledger
	Store         kvstore.Store // Read for the signed-in reader
	Platform      Permission
	Subscriptions SubscriptionSource
	Now           func() time.Time
	Device        notifier.DeviceInfo
	AdminURL      string
	Interval      time.Duration
	Timeout       time.Duration // Registry request deadline, retries included
}

// New creates a Syncer.
func New(cfg *Config) *Syncer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{
		client:   client,
		logger:   cfg.Logger,
		ledger:   cfg.Ledger,
		store:    cfg.Store,
		platform: cfg.Platform,
		subs:     cfg.Subscriptions,
		now:      now,
		trigger:  make(chan struct{}, 1),
		url:      strings.TrimSuffix(cfg.AdminURL, "/") + "/notifications/track-subscription",
		device:   cfg.Device,
		interval: interval,
		timeout:  timeout,
	}
}

// OnChange registers a hook called after every successful sync.
func (s *Syncer) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Trigger requests a sync from the Run loop without blocking. Requests made
// while one is already pending are merged.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run syncs on every interval and on Trigger until ctx is cancelled. It only
// talks to the registry while the platform permission is granted.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Subscription sync loop started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Subscription sync loop stopped")
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if s.platform.Permission(ctx) != notifier.PermissionGranted {
			s.logger.Debug("Skipping subscription sync, permission not granted")
			continue
		}
		s.Sync(ctx)
	}
}

type payload struct {
	UserID           any                   `json:"userId"`
	DeviceInfo       string                `json:"deviceInfo"`
	SubscriptionType string                `json:"subscriptionType"`
	PushSubscription *webpush.Subscription `json:"pushSubscription"`
}

// Sync sends one registry update. It returns nil on any failure; errors are
// logged, never propagated. The push subscription is resolved before the
// request deadline starts, so a slow worker only drops the subscription from
// the record.
func (s *Syncer) Sync(ctx context.Context) *Result {
	device, err := json.Marshal(s.device)
	if err != nil {
		s.logger.Error("Failed to encode device info", "error", err)
		return nil
	}
	var sub *webpush.Subscription
	if s.subs != nil {
		sub = s.subs.Subscription(ctx)
	}
	body, err := json.Marshal(payload{
		UserID:           s.userID(ctx),
		DeviceInfo:       string(device),
		SubscriptionType: subscriptionType,
		PushSubscription: sub,
	})
	if err != nil {
		s.logger.Error("Failed to encode subscription payload", "error", err)
		return nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	resp, err := s.post(reqCtx, body)
	cancel()
	if err != nil {
		s.logger.Warn("Subscription sync failed", "url", s.url, "error", err)
		return nil
	}
	result, err := decodeResult(resp)
	if err != nil {
		s.logger.Warn("Subscription sync rejected", "error", err)
		return nil
	}

	if err := s.ledger.RecordSync(ctx, result.SubscriptionID, s.now(), result.PendingApproval); err != nil {
		s.logger.Warn("Failed to record subscription sync", "error", err)
	}
	s.logger.Info("Subscription synced",
		"subscription_id", result.SubscriptionID,
		"pending_approval", result.PendingApproval,
		"has_push_subscription", sub != nil)

	s.mu.Lock()
	hook := s.onChange
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return result
}

// userID returns the signed-in reader id, or nil for anonymous readers.
func (s *Syncer) userID(ctx context.Context) any {
	if s.store == nil {
		return nil
	}
	raw, ok, err := s.store.Get(ctx, KeyReaderUser)
	if err != nil || !ok {
		return nil
	}
	id := gjson.Get(raw, "id")
	if !id.Exists() || id.Type == gjson.Null {
		return nil
	}
	return id.Value()
}

func (s *Syncer) post(ctx context.Context, body []byte) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
				if resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			out = data
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying subscription sync after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("post subscription: %w", err)
	}
	return out, nil
}

func decodeResult(body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid registry response")
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("success").Bool() {
		msg := doc.Get("message").String()
		if msg == "" {
			msg = "success=false"
		}
		return nil, fmt.Errorf("registry: %s", msg)
	}
	return &Result{
		SubscriptionID:  doc.Get("data.id").String(),
		PendingApproval: doc.Get("data.status").String() == statusPending,
	}, nil
}
