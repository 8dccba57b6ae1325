// Package ledger is the persisted consent record for a client installation.
// It is pure storage: it knows nothing about platform permission or policy.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"article-notifier/kvstore"
	"article-notifier/pkg/notifier"
)

// Storage keys. Names match the web client's local storage so an exported
// profile can be imported as-is.
const (
	KeyAsked              = "notification_asked"
	KeyAccepted           = "notification_accepted"
	KeyDenied             = "notification_denied"
	KeyDeniedAt           = "notification_denied_time"
	KeySubscriptionID     = "notification_subscription_id"
	KeyLastSync           = "notification_last_sync"
	KeyPendingApproval    = "notification_pending_approval"
	KeyBlockedHelpShown   = "notification_blocked_help_shown"
	KeyBlockedHelpDismiss = "notification_blocked_help_dismissed"
)

// Ledger reads and writes consent flags through a kvstore.
type Ledger struct {
	store kvstore.Store
}

// New creates a ledger over store.
func New(store kvstore.Store) *Ledger {
	return &Ledger{store: store}
}

// Entry reads the full consent record. Malformed timestamps read as absent.
func (l *Ledger) Entry(ctx context.Context) (notifier.Entry, error) {
	var e notifier.Entry
	var err error
	if e.Asked, err = l.flag(ctx, KeyAsked); err != nil {
		return e, err
	}
	if e.Accepted, err = l.flag(ctx, KeyAccepted); err != nil {
		return e, err
	}
	if e.Denied, err = l.flag(ctx, KeyDenied); err != nil {
		return e, err
	}
	if e.PendingApproval, err = l.flag(ctx, KeyPendingApproval); err != nil {
		return e, err
	}
	if e.DeniedAt, err = l.timestamp(ctx, KeyDeniedAt); err != nil {
		return e, err
	}
	if e.LastSyncAt, err = l.timestamp(ctx, KeyLastSync); err != nil {
		return e, err
	}
	id, _, err := l.store.Get(ctx, KeySubscriptionID)
	if err != nil {
		return e, fmt.Errorf("read %s: %w", KeySubscriptionID, err)
	}
	e.SubscriptionID = id

	// deniedAt is only meaningful while denied.
	if !e.Denied {
		e.DeniedAt = time.Time{}
	}
	return e, nil
}

// MarkAsked records that the user has been prompted.
func (l *Ledger) MarkAsked(ctx context.Context) error {
	return l.setFlag(ctx, KeyAsked)
}

// MarkAccepted records terminal positive consent and clears any denial.
func (l *Ledger) MarkAccepted(ctx context.Context) error {
	if err := l.setFlag(ctx, KeyAccepted); err != nil {
		return err
	}
	return l.ClearDenied(ctx)
}

// MarkDenied records a soft denial at the given time and clears acceptance.
func (l *Ledger) MarkDenied(ctx context.Context, at time.Time) error {
	if err := l.remove(ctx, KeyAccepted); err != nil {
		return err
	}
	if err := l.setFlag(ctx, KeyDenied); err != nil {
		return err
	}
	return l.setTime(ctx, KeyDeniedAt, at)
}

// ClearDenied removes the denial flag and its timestamp together.
func (l *Ledger) ClearDenied(ctx context.Context) error {
	return errors.Join(l.remove(ctx, KeyDenied), l.remove(ctx, KeyDeniedAt))
}

// RecordSync stores the outcome of a successful registry sync.
func (l *Ledger) RecordSync(ctx context.Context, subscriptionID string, at time.Time, pendingApproval bool) error {
	if subscriptionID != "" {
		if err := l.store.Set(ctx, KeySubscriptionID, subscriptionID); err != nil {
			return fmt.Errorf("write %s: %w", KeySubscriptionID, err)
		}
	}
	if err := l.setTime(ctx, KeyLastSync, at); err != nil {
		return err
	}
	if pendingApproval {
		return l.setFlag(ctx, KeyPendingApproval)
	}
	return l.remove(ctx, KeyPendingApproval)
}

// BlockedHelpSeen returns the later of the shown and dismissed timestamps of
// the blocked-notifications help dialog.
func (l *Ledger) BlockedHelpSeen(ctx context.Context) (time.Time, error) {
	shown, err := l.timestamp(ctx, KeyBlockedHelpShown)
	if err != nil {
		return time.Time{}, err
	}
	dismissed, err := l.timestamp(ctx, KeyBlockedHelpDismiss)
	if err != nil {
		return time.Time{}, err
	}
	if dismissed.After(shown) {
		return dismissed, nil
	}
	return shown, nil
}

// MarkBlockedHelpShown records when the blocked help dialog was displayed.
func (l *Ledger) MarkBlockedHelpShown(ctx context.Context, at time.Time) error {
	return l.setTime(ctx, KeyBlockedHelpShown, at)
}

// MarkBlockedHelpDismissed records a dismissal. It is not a consent denial.
func (l *Ledger) MarkBlockedHelpDismissed(ctx context.Context, at time.Time) error {
	return l.setTime(ctx, KeyBlockedHelpDismiss, at)
}

// Reset clears every consent key.
func (l *Ledger) Reset(ctx context.Context) error {
	var errs []error
	for _, k := range []string{
		KeyAsked, KeyAccepted, KeyDenied, KeyDeniedAt, KeySubscriptionID,
		KeyLastSync, KeyPendingApproval, KeyBlockedHelpShown, KeyBlockedHelpDismiss,
	} {
		errs = append(errs, l.remove(ctx, k))
	}
	return errors.Join(errs...)
}

func (l *Ledger) flag(ctx context.Context, key string) (bool, error) {
	v, _, err := l.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	return v == "true", nil
}

func (l *Ledger) setFlag(ctx context.Context, key string) error {
	if err := l.store.Set(ctx, key, "true"); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// timestamp reads a unix-millisecond timestamp.
func (l *Ledger) timestamp(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (l *Ledger) setTime(ctx context.Context, key string, at time.Time) error {
	if err := l.store.Set(ctx, key, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (l *Ledger) remove(ctx context.Context, key string) error {
	if err := l.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
