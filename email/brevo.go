package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBrevoEndpoint is the transactional email API.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider posts notification emails to the Brevo transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: DefaultBrevoEndpoint,
	}
}

// WithEndpoint points the provider at a different API URL.
func (b *BrevoProvider) WithEndpoint(endpoint string) *BrevoProvider {
	b.endpoint = endpoint
	return b
}

type brevoMessage struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// StatusError is a non-2xx reply from an email API.
type StatusError struct {
	Body string
	Code int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Send implements Provider.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoMessage{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo message: %w", err)
	}
	return deliver(ctx, b.logger, "brevo", to, brevoRetryable, func(ctx context.Context) error {
		return b.post(ctx, payload)
	})
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

// brevoRetryable rejects client errors other than rate limiting: a bad key or
// payload stays bad.
func brevoRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}
