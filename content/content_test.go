package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"article-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *notifier.Article
		wantErr error
	}{
		{
			name: "string id",
			body: `[{"id":"a2","title":"Budget passes","slug":"budget-passes","featuredImageUrl":"https://cdn/x.jpg"}]`,
			want: &notifier.Article{ID: "a2", Title: "Budget passes", Slug: "budget-passes", FeaturedImageURL: "https://cdn/x.jpg"},
		},
		{
			name: "numeric id and html title",
			body: `[{"id":17,"title":"<b>Storm</b> &amp; floods\n warning","slug":"storm"}]`,
			want: &notifier.Article{ID: "17", Title: "Storm & floods warning", Slug: "storm"},
		},
		{
			name: "wrapped",
			body: `{"data":[{"id":"w1","title":"Wrapped","slug":"w"}]}`,
			want: &notifier.Article{ID: "w1", Title: "Wrapped", Slug: "w"},
		},
		{
			name:    "empty list",
			body:    `[]`,
			wantErr: ErrNoArticles,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if *got != *tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}

	for _, bad := range []string{`<html>`, `{"id":"x"}`, `[{"title":"no id"}]`} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("Parse(%s) should fail", bad)
		}
	}
}

func TestLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/articles/latest" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		fmt.Fprint(w, `[{"id":"a9","title":"Hello","slug":"hello"}]`)
	}))
	defer srv.Close()

	c := New(srv.Client(), discardLogger(), srv.URL+"/api/")
	a, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if a.ID != "a9" || a.Slug != "hello" {
		t.Errorf("Latest() = %+v", a)
	}
}

func TestLatestClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.Client(), discardLogger(), srv.URL)
	_, err := c.Latest(context.Background())
	if !IsClientError(err) {
		t.Fatalf("Latest() error = %v, want client error", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestLatestServerErrorRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[{"id":"a1","title":"t","slug":"s"}]`)
	}))
	defer srv.Close()

	c := New(srv.Client(), discardLogger(), srv.URL)
	if _, err := c.Latest(context.Background()); err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}
