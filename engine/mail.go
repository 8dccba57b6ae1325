package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"article-notifier/config"
	"article-notifier/email"
	"article-notifier/platform"
)

const metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"

// newSurface builds the mailbox that renders notifications.
func newSurface(ctx context.Context, cfg *config.Config, logger *slog.Logger) (platform.Surface, error) {
	var provider email.Provider
	switch cfg.Email.Provider {
	case "brevo":
		provider = email.NewBrevoProvider(cfg.Email.BrevoAPIKey, cfg.Email.From, cfg.Email.FromName, logger)
	case "gmail":
		svc, err := gmailService(ctx, cfg.Email.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		provider = email.NewGmailProvider(svc, logger)
	default:
		logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(logger)
	}
	return email.New(provider, logger.With("component", "email"), cfg.SiteURL, cfg.Email.To), nil
}

func gmailService(ctx context.Context, credentialsJSON string) (*gmail.Service, error) {
	if credentialsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	// Application Default Credentials only work on GCP.
	if onGCP(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("email.google_credentials_json required when not running on GCP")
}

// onGCP probes the metadata server.
func onGCP(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
