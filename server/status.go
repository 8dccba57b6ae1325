package server

import (
	"net/http"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Error("Failed to read status", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleClick activates a notification shown on the direct path, which opens
// its article.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tag := r.PathValue("tag")
	if tag == "" || len(tag) > 128 {
		http.Error(w, "Invalid notification tag", http.StatusBadRequest)
		return
	}
	if !s.clicker.Click(tag) {
		http.Error(w, "Notification not found", http.StatusNotFound)
		return
	}
	s.logger.Info("Notification clicked", "tag", tag)
	w.WriteHeader(http.StatusNoContent)
}
