// Package server exposes the consent dialog and engine status over HTTP.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"article-notifier/consent"
	"article-notifier/engine"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Consent is the dialog state machine.
type Consent interface {
	Mount(ctx context.Context) consent.State
	Allow(ctx context.Context) (consent.State, error)
	Later(ctx context.Context) (consent.State, error)
	Dismiss(ctx context.Context) consent.State
	Recheck(ctx context.Context) (consent.State, error)
	State(ctx context.Context) consent.State
}

// StatusSource reports engine status.
type StatusSource interface {
	Status(ctx context.Context) (*engine.Status, error)
}

// Poller runs an out-of-band article check.
type Poller interface {
	Check(ctx context.Context) error
}

// Clicker activates a shown notification.
type Clicker interface {
	Click(tag string) bool
}

// Server handles HTTP requests.
type Server struct {
	consent  Consent
	status   StatusSource
	poller   Poller
	clicker  Clicker
	limiter  *rateLimiter
	logger   *slog.Logger
	siteName string
}

// Config holds server configuration.
type Config struct {
	Consent  Consent
	Status   StatusSource
	Poller   Poller
	Clicker  Clicker
	Logger   *slog.Logger
	SiteName string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		consent:  cfg.Consent,
		status:   cfg.Status,
		poller:   cfg.Poller,
		clicker:  cfg.Clicker,
		limiter:  newRateLimiter(actionLimit, time.Minute, time.Now),
		logger:   cfg.Logger,
		siteName: cfg.SiteName,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/api/consent", s.handleConsentState)
	mux.HandleFunc("/api/consent/{action}", s.handleConsentAction)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/notifications/{tag}/click", s.handleClick)
	return mux
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")

	data := map[string]any{
		"SiteName": s.siteName,
		"State":    s.consent.State(r.Context()),
	}
	if err := templates.ExecuteTemplate(w, "consent.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "consent.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.Check(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
