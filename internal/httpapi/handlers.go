package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tunecast/mediaload/internal/loader"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/pkg/icron"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := map[string]any{
		"status": "ok",
	}
	if s.janitorExpr != "" {
		if info, err := icron.Describe(s.janitorExpr, time.Now()); err == nil {
			resp["next_sweep"] = info.Next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type preloadRequest struct {
	loader.Asset
	Priority string `json:"priority,omitempty"`
}

// handlePreload schedules a load and answers with the derived content key
// so callers can follow progress.
func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req preloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	key := s.key(req.Asset)
	if key == "" {
		writeError(w, http.StatusBadRequest, "asset yields no content key")
		return
	}

	prio, ok := parsePriority(req.Priority)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown priority: "+req.Priority)
		return
	}

	s.coord.Preload(req.Asset, prio)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":      key,
		"priority": prio.String(),
	})
}

func parsePriority(raw string) (loader.Priority, bool) {
	switch raw {
	case "", "auto":
		return loader.PriorityAuto, true
	case "high":
		return loader.PriorityHigh, true
	case "medium":
		return loader.PriorityMedium, true
	case "low":
		return loader.PriorityLow, true
	default:
		return loader.PriorityAuto, false
	}
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	p, ok := s.coord.GetProgress(key)
	if !ok {
		writeError(w, http.StatusNotFound, "no load recorded for key")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleNetwork reads or updates the connection signals feeding the
// classifier. Updates answer with the newly derived profile.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		writeError(w, http.StatusNotImplemented, "network classifier is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.classifier.Current())
	case http.MethodPost:
		var signals netclass.Signals
		if err := json.NewDecoder(r.Body).Decode(&signals); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		s.classifier.Set(signals)
		writeJSON(w, http.StatusOK, s.classifier.Current())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
