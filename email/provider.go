// Package email delivers platform notifications to a mailbox via pluggable
// providers. It is the visible surface of the headless notification platform.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"article-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders notifications and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	siteURL  string // Base for relative icon and link URLs
	to       string // Recipient mailbox of this installation
}

// New creates a new notification sender with the given provider.
func New(provider Provider, logger *slog.Logger, siteURL, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		siteURL:  siteURL,
		to:       to,
	}
}

// SendNotification delivers one notification.
func (s *Sender) SendNotification(ctx context.Context, n notifier.Notification) error {
	if n.Title == "" {
		return fmt.Errorf("notification has no title")
	}
	body := s.formatNotificationBody(n)

	s.logger.Info("Sending notification email",
		"to", s.to,
		"subject", n.Title,
		"tag", n.Tag)

	if err := s.provider.Send(ctx, s.to, n.Title, body); err != nil {
		return fmt.Errorf("send notification %q: %w", n.Tag, err)
	}
	return nil
}

// deliver runs one provider call with retries, logging the duration of each
// attempt. retryable decides which errors are worth another attempt.
func deliver(ctx context.Context, logger *slog.Logger, provider, to string, retryable func(error) bool, attempt func(context.Context) error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := attempt(ctx)
			elapsed := time.Since(start).Milliseconds()
			if err != nil {
				logger.Warn("Email send attempt failed", "provider", provider, "to", to, "duration_ms", elapsed, "error", err)
				if !retryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			logger.Info("Email sent", "provider", provider, "to", to, "duration_ms", elapsed)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n, "error", err)
		}),
	)
}
