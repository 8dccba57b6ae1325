// Package policy fetches and caches the admin-controlled notification flags.
package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"article-notifier/pkg/notifier"
)

// Staleness windows used by callers of Get.
const (
	DeliveryMaxAge = 30 * time.Second // delivery gate
	PromptMaxAge   = 5 * time.Minute  // consent popup
	DefaultTimeout = 8 * time.Second  // settings request, retries included
)

// Remote setting names. Values are strings; "false" is the only falsy value
// and an absent setting means enabled.
const (
	settingPush         = "push_notifications_enabled"
	settingArticlePush  = "push_new_article_notification"
	settingMobile       = "push_mobile_enabled"
	settingDesktop      = "push_desktop_enabled"
	settingReappearDays = "push_popup_reappear_days"
)

// Cache holds the last fetched policy.
type Cache struct {
	fetchedAt time.Time
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
	url       string
	policy    notifier.Policy
	timeout   time.Duration
	mu        sync.Mutex
	have      bool
}

// Config configures a Cache.
type Config struct {
	Client   *http.Client
	Logger   *slog.Logger
	Now      func() time.Time
	AdminURL string // Base URL of the admin API, e.g. http://localhost:3002/api
	Timeout  time.Duration
}

// New creates a policy cache. Nothing is fetched until the first Get.
func New(cfg *Config) *Cache {
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
	return &Cache{
		client:  client,
		logger:  cfg.Logger,
		now:     now,
		url:     strings.TrimSuffix(cfg.AdminURL, "/") + "/settings/public",
		timeout: timeout,
	}
}

// Get returns a policy no older than maxAge, fetching if needed. It never
// fails: on fetch errors the last known policy (or the default) is returned
// and remembered for another maxAge, so a broken endpoint is retried once per
// window instead of on every call.
func (c *Cache) Get(ctx context.Context, maxAge time.Duration) notifier.Policy {
	c.mu.Lock()
	if c.have && c.now().Sub(c.fetchedAt) < maxAge {
		p := c.policy
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("policy", func() (any, error) {
		return c.refresh(ctx), nil
	})
	return v.(notifier.Policy)
}

// Invalidate forces the next Get to refetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Cache) refresh(ctx context.Context) notifier.Policy {
	p, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = c.now()
	if err != nil {
		if !c.have {
			c.policy = notifier.DefaultPolicy()
			c.have = true
		}
		c.logger.Warn("Policy fetch failed, using fallback", "url", c.url, "error", err, "policy", c.policy)
		return c.policy
	}
	c.policy = p
	c.have = true
	c.logger.Debug("Policy refreshed", "policy", p)
	return p
}

func (c *Cache) fetch(ctx context.Context) (notifier.Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				err := fmt.Errorf("HTTP %d", resp.StatusCode)
				if resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}
			body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return err
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying policy fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return notifier.Policy{}, fmt.Errorf("fetch settings: %w", err)
	}
	return Decode(body)
}

// Decode converts the public settings document into a Policy. Settings may
// sit at the top level or under a "settings" object.
func Decode(body []byte) (notifier.Policy, error) {
	if !gjson.ValidBytes(body) {
		return notifier.Policy{}, fmt.Errorf("invalid settings json")
	}
	root := gjson.ParseBytes(body)
	if s := root.Get("settings"); s.IsObject() {
		root = s
	}

	p := notifier.Policy{
		PushEnabled:          enabled(root.Get(settingPush)),
		ArticleAlertsEnabled: enabled(root.Get(settingArticlePush)),
		MobileEnabled:        enabled(root.Get(settingMobile)),
		DesktopEnabled:       enabled(root.Get(settingDesktop)),
		ReappearDays:         notifier.DefaultReappearDays,
	}
	if r := root.Get(settingReappearDays); r.Exists() {
		if days, err := strconv.ParseFloat(strings.TrimSpace(r.String()), 64); err == nil && days >= 0 {
			p.ReappearDays = days
		}
	}
	return p, nil
}

func enabled(v gjson.Result) bool {
	if !v.Exists() {
		return true
	}
	return v.String() != "false"
}
