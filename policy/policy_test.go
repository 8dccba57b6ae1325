package policy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"article-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want notifier.Policy
	}{
		{
			name: "absent flags default to enabled",
			body: `{"settings":{}}`,
			want: notifier.DefaultPolicy(),
		},
		{
			name: "only the string false disables",
			body: `{"settings":{"push_notifications_enabled":"0","push_new_article_notification":"no","push_mobile_enabled":"false","push_desktop_enabled":"true","push_popup_reappear_days":"3"}}`,
			want: notifier.Policy{PushEnabled: true, ArticleAlertsEnabled: true, MobileEnabled: false, DesktopEnabled: true, ReappearDays: 3},
		},
		{
			name: "top level flags",
			body: `{"push_notifications_enabled":"false","push_popup_reappear_days":"1.5"}`,
			want: notifier.Policy{PushEnabled: false, ArticleAlertsEnabled: true, MobileEnabled: true, DesktopEnabled: true, ReappearDays: 1.5},
		},
		{
			name: "unparseable reappear days keeps default",
			body: `{"settings":{"push_popup_reappear_days":"soon"}}`,
			want: notifier.DefaultPolicy(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.body))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := Decode([]byte("<html>")); err == nil {
		t.Error("Decode() of non-JSON should fail")
	}
}

func TestCacheWindow(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/settings/public" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		hits.Add(1)
		fmt.Fprint(w, `{"settings":{"push_desktop_enabled":"false"}}`)
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(&Config{AdminURL: srv.URL + "/api/", Logger: discardLogger(), Now: clock.Now})
	ctx := context.Background()

	if p := c.Get(ctx, DeliveryMaxAge); p.DesktopEnabled {
		t.Fatal("expected desktop disabled from remote policy")
	}
	c.Get(ctx, DeliveryMaxAge)
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 within window", hits.Load())
	}

	clock.Advance(DeliveryMaxAge)
	c.Get(ctx, DeliveryMaxAge)
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want refetch after window", hits.Load())
	}

	// A longer window accepts the same cached value.
	clock.Advance(time.Minute)
	c.Get(ctx, PromptMaxAge)
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, prompt window should reuse cache", hits.Load())
	}

	c.Invalidate()
	c.Get(ctx, PromptMaxAge)
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want refetch after Invalidate", hits.Load())
	}
}

func TestFailOpenDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(&Config{AdminURL: srv.URL, Logger: discardLogger()})
	if got := c.Get(context.Background(), DeliveryMaxAge); got != notifier.DefaultPolicy() {
		t.Errorf("Get() with failing endpoint = %+v, want default", got)
	}
}

func TestFailureKeepsLastKnown(t *testing.T) {
	var fail atomic.Bool
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"settings":{"push_mobile_enabled":"false","push_popup_reappear_days":"2"}}`)
	}))
	defer srv.Close()

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(&Config{AdminURL: srv.URL, Logger: discardLogger(), Now: clock.Now})
	ctx := context.Background()
	first := c.Get(ctx, DeliveryMaxAge)

	fail.Store(true)
	clock.Advance(time.Hour)
	got := c.Get(ctx, DeliveryMaxAge)
	if got != first {
		t.Errorf("Get() after failure = %+v, want last known %+v", got, first)
	}

	// The failure is cached for the window rather than retried on every call.
	before := hits.Load()
	c.Get(ctx, DeliveryMaxAge)
	if hits.Load() != before {
		t.Errorf("failed fetch retried inside window")
	}
}

func TestHungSettingsRequest(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(&Config{AdminURL: srv.URL, Logger: discardLogger(), Timeout: 100 * time.Millisecond})
	start := time.Now()
	got := c.Get(context.Background(), DeliveryMaxAge)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get() took %s with a 100ms timeout", elapsed)
	}
	if got != notifier.DefaultPolicy() {
		t.Errorf("Get() with hung endpoint = %+v, want default", got)
	}
}
