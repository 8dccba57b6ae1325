package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is an email captured by MockProvider.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider logs emails instead of sending them and keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []Message
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, HTML: htmlBody})
	m.mu.Unlock()

	m.logger.Info("MOCK NOTIFICATION",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}

// Sent returns a copy of every captured message.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
