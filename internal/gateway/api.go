package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/basket/botfleet/internal/command"
)

// GET /api/sessions returns the current fleet snapshot.
func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.cfg.Aggregator.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// GET /api/sessions/{id}/counters returns persisted values plus recent history.
func (s *Server) handleAPISessionCounters(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "counters" || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID := parts[0]

	snap := s.cfg.Aggregator.Snapshot()
	var current map[string]int64
	found := false
	for _, sess := range snap.Sessions {
		if sess.ID == sessionID {
			current = sess.Counters
			found = true
			break
		}
	}
	if !found {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	payload := map[string]any{
		"session_id": sessionID,
		"counters":   current,
	}
	if s.cfg.Store != nil {
		history := make(map[string]any, len(current))
		for name := range current {
			if samples, err := s.cfg.Store.CounterHistory(sessionID, name, 20); err == nil {
				history[name] = samples
			}
		}
		payload["history"] = history
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// POST /api/commands dispatches a one-shot command for scripts.
func (s *Server) handleAPICommands(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req command.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Origin == "" {
		req.Origin = "api"
	}

	results, err := s.cfg.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}
