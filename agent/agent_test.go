package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"article-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testServerKey is a real VAPID public key.
var testServerKey = func() string {
	_, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic(err)
	}
	return pub
}()

// offCurveKey has the right shape but is not a point on P-256.
var offCurveKey = func() string {
	raw := make([]byte, 65)
	raw[0] = 0x04
	for i := 1; i < len(raw); i++ {
		raw[i] = byte(i)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}()

type fakePush struct {
	mu         sync.Mutex
	sub        *webpush.Subscription
	subscribes int
}

func (p *fakePush) Subscription(context.Context) (*webpush.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sub, nil
}

func (p *fakePush) Subscribe(_ context.Context, key []byte) (*webpush.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(key) != 65 {
		return nil, errors.New("bad key")
	}
	p.subscribes++
	p.sub = &webpush.Subscription{Endpoint: "local://push/1", Keys: webpush.Keys{P256dh: "p", Auth: "a"}}
	return p.sub, nil
}

type fakeReg struct {
	push  *fakePush
	shown []notifier.Notification
}

func (r *fakeReg) PushManager() PushManager { return r.push }
func (r *fakeReg) ShowNotification(_ context.Context, n notifier.Notification) error {
	r.shown = append(r.shown, n)
	return nil
}

type fakeWorker struct {
	mu         sync.Mutex
	reg        *fakeReg
	registered bool
	registers  int
	neverReady bool
	lateReg    *fakeReg // Appears only after Ready gives up
}

func (w *fakeWorker) Registration(context.Context) (Registration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registered && w.reg != nil {
		return w.reg, nil
	}
	if w.lateReg != nil {
		return w.lateReg, nil
	}
	return nil, nil
}

func (w *fakeWorker) Register(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registers++
	if !w.neverReady {
		w.registered = true
	}
	return nil
}

func (w *fakeWorker) Ready(ctx context.Context) (Registration, error) {
	if w.neverReady {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return w.Registration(ctx)
}

type fakePlatform struct {
	perm    notifier.Permission
	direct  []notifier.Notification
	onClick func()
	opened  []string
}

func (p *fakePlatform) Supported() bool                                { return true }
func (p *fakePlatform) Permission(context.Context) notifier.Permission { return p.perm }
func (p *fakePlatform) Notify(_ context.Context, n notifier.Notification, onClick func()) error {
	p.direct = append(p.direct, n)
	p.onClick = onClick
	return nil
}
func (p *fakePlatform) Open(url string) error {
	p.opened = append(p.opened, url)
	return nil
}

func TestEnsureReadyFastPath(t *testing.T) {
	w := &fakeWorker{reg: &fakeReg{push: &fakePush{}}, registered: true}
	b := New(&Config{Worker: w, Logger: discardLogger()})
	if reg := b.EnsureReady(context.Background(), time.Second); reg == nil {
		t.Fatal("EnsureReady() = nil, want existing registration")
	}
	if w.registers != 0 {
		t.Errorf("Register called %d times on fast path", w.registers)
	}
}

func TestEnsureReadyRegisters(t *testing.T) {
	w := &fakeWorker{reg: &fakeReg{push: &fakePush{}}}
	b := New(&Config{Worker: w, Logger: discardLogger()})
	if reg := b.EnsureReady(context.Background(), time.Second); reg == nil {
		t.Fatal("EnsureReady() = nil after registration")
	}
	if w.registers != 1 {
		t.Errorf("registers = %d, want 1", w.registers)
	}
}

func TestEnsureReadyTimeout(t *testing.T) {
	w := &fakeWorker{neverReady: true}
	b := New(&Config{Worker: w, Logger: discardLogger()})

	start := time.Now()
	if reg := b.EnsureReady(context.Background(), 50*time.Millisecond); reg != nil {
		t.Fatalf("EnsureReady() = %v, want nil", reg)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("EnsureReady() blocked for %v", elapsed)
	}

	// The final lookup after the timeout still wins.
	w.mu.Lock()
	w.lateReg = &fakeReg{push: &fakePush{}}
	w.mu.Unlock()
	if reg := b.EnsureReady(context.Background(), 50*time.Millisecond); reg == nil {
		t.Error("EnsureReady() ignored late registration")
	}
}

func TestCreateOrReuseSubscriptionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	push := &fakePush{}
	reg := &fakeReg{push: push}
	b := New(&Config{Logger: discardLogger(), VAPIDPublicKey: testServerKey})

	first := b.CreateOrReuseSubscription(ctx, reg)
	second := b.CreateOrReuseSubscription(ctx, reg)
	if first == nil || second == nil {
		t.Fatal("CreateOrReuseSubscription() = nil")
	}
	if push.subscribes != 1 {
		t.Errorf("subscribes = %d, want 1", push.subscribes)
	}
	if first.Endpoint != second.Endpoint {
		t.Errorf("endpoints differ: %s vs %s", first.Endpoint, second.Endpoint)
	}
}

func TestCreateOrReuseSubscriptionWithoutKey(t *testing.T) {
	push := &fakePush{}
	b := New(&Config{Logger: discardLogger()})
	if sub := b.CreateOrReuseSubscription(context.Background(), &fakeReg{push: push}); sub != nil {
		t.Errorf("CreateOrReuseSubscription() = %+v, want nil without key", sub)
	}
	if push.subscribes != 0 {
		t.Error("subscribed without a server key")
	}
	if sub := b.CreateOrReuseSubscription(context.Background(), nil); sub != nil {
		t.Error("nil registration should yield nil")
	}
}

func TestDecodeServerKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw url", testServerKey, false},
		{"padded", testServerKey + "=", false},
		{"too short", base64.RawURLEncoding.EncodeToString([]byte{4, 1, 2}), true},
		{"off curve", offCurveKey, true},
		{"not base64", "!!!", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeServerKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeServerKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestShowNotificationPrefersWorker(t *testing.T) {
	reg := &fakeReg{push: &fakePush{}}
	w := &fakeWorker{reg: reg, registered: true}
	p := &fakePlatform{perm: notifier.PermissionGranted}
	b := New(&Config{Worker: w, Platform: p, Logger: discardLogger()})

	n := notifier.Notification{Title: "New Article Published", Tag: "article-a2", URL: "http://site/articles/x"}
	if err := b.ShowNotification(context.Background(), n); err != nil {
		t.Fatalf("ShowNotification() error = %v", err)
	}
	if len(reg.shown) != 1 || len(p.direct) != 0 {
		t.Errorf("worker shown %d, direct %d", len(reg.shown), len(p.direct))
	}
}

func TestShowNotificationDirectFallback(t *testing.T) {
	p := &fakePlatform{perm: notifier.PermissionGranted}
	b := New(&Config{Worker: &fakeWorker{neverReady: true}, Platform: p, Logger: discardLogger(), ReadyTimeout: 20 * time.Millisecond})

	n := notifier.Notification{Title: "t", Tag: "article-a2", URL: "http://site/articles/x"}
	if err := b.ShowNotification(context.Background(), n); err != nil {
		t.Fatalf("ShowNotification() error = %v", err)
	}
	if len(p.direct) != 1 {
		t.Fatalf("direct notifications = %d, want 1", len(p.direct))
	}
	p.onClick()
	if len(p.opened) != 1 || p.opened[0] != n.URL {
		t.Errorf("click opened %v, want %s", p.opened, n.URL)
	}
}

func TestShowNotificationRequiresPermission(t *testing.T) {
	p := &fakePlatform{perm: notifier.PermissionDefault}
	b := New(&Config{Platform: p, Logger: discardLogger()})
	err := b.ShowNotification(context.Background(), notifier.Notification{Title: "t"})
	if !errors.Is(err, ErrNotPermitted) {
		t.Errorf("ShowNotification() error = %v, want ErrNotPermitted", err)
	}
}
