package server

import (
	"errors"
	"net/http"
	"strings"

	"article-notifier/consent"
)

// actionLimit caps dialog actions per client IP per minute.
const actionLimit = 30

func (s *Server) handleConsentState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.consent.State(r.Context()))
}

func (s *Server) handleConsentAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	action := r.PathValue("action")

	var state consent.State
	var err error
	switch action {
	case "mount":
		state = s.consent.Mount(ctx)
	case "allow":
		state, err = s.consent.Allow(ctx)
	case "later":
		state, err = s.consent.Later(ctx)
	case "dismiss":
		state = s.consent.Dismiss(ctx)
	case "recheck":
		state, err = s.consent.Recheck(ctx)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		s.logger.Warn("Consent action failed", "action", action, "mode", state.Mode, "error", err)
		if errors.Is(err, consent.ErrInvalidTransition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "Consent action failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Consent action handled", "action", action, "mode", state.Mode)

	// Plain HTML forms go back to the dialog page.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}
