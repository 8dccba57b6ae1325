// Package content fetches the newest article from the content API.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/tidwall/gjson"

	"article-notifier/pkg/notifier"
)

// ErrNoArticles is returned when the API responds with an empty list.
var ErrNoArticles = errors.New("no articles")

// HTTPStatusError is a non-200 response from the content API.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError reports whether err is a 4xx response, which retrying will not fix.
func IsClientError(err error) bool {
	var status *HTTPStatusError
	return errors.As(err, &status) && status.StatusCode >= 400 && status.StatusCode < 500
}

// Client reads the latest-content endpoint.
type Client struct {
	client *http.Client
	logger *slog.Logger
	url    string
}

// New creates a content client for the API rooted at apiURL.
func New(client *http.Client, logger *slog.Logger, apiURL string) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		client: client,
		logger: logger,
		url:    strings.TrimSuffix(apiURL, "/") + "/articles/latest?limit=1",
	}
}

// Latest returns the most recently published article.
func (c *Client) Latest(ctx context.Context) (*notifier.Article, error) {
	var article *notifier.Article

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"url", c.url,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPStatusError{URL: c.url, StatusCode: resp.StatusCode}
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return err
			}
			article, err = Parse(body)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(300*time.Millisecond),
		retry.MaxJitter(200*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying latest article fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch latest article: %w", err)
	}
	return article, nil
}

// Parse extracts the first article from a latest-articles response. The API
// returns a bare array; a {"data": [...]} wrapper is also accepted.
func Parse(body []byte) (*notifier.Article, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid articles json")
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("data")
	}
	if !list.IsArray() {
		return nil, errors.New("articles response is not a list")
	}
	first := list.Get("0")
	if !first.Exists() {
		return nil, ErrNoArticles
	}

	// Ids arrive as strings or numbers depending on the backend.
	id := strings.TrimSpace(first.Get("id").String())
	if id == "" {
		return nil, errors.New("latest article has no id")
	}
	return &notifier.Article{
		ID:               id,
		Title:            PlainText(first.Get("title").String()),
		Slug:             first.Get("slug").String(),
		FeaturedImageURL: first.Get("featuredImageUrl").String(),
	}, nil
}

// PlainText reduces an HTML fragment to collapsed plain text.
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
