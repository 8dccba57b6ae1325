package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends through the Gmail API as the authenticated account,
// which also supplies the From address.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// headerValue strips control characters, CR and LF included, from a header value.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// buildMIME assembles the raw RFC 5322 message expected by users.messages.send.
func buildMIME(to, subject, htmlBody string) string {
	headers := []string{
		"MIME-Version: 1.0",
		"To: " + headerValue(to),
		"Subject: " + mime.QEncoding.Encode("utf-8", headerValue(subject)),
		"Content-Type: text/html; charset=utf-8",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody
}

// Send implements Provider.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(to, subject, htmlBody)))}
	return deliver(ctx, g.logger, "gmail", to, gmailRetryable, func(ctx context.Context) error {
		if _, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
			return fmt.Errorf("users.messages.send: %w", err)
		}
		return nil
	})
}

func gmailRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}
