package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tunecast/mediaload/internal/loader"
)

// handleProgressStream streams progress snapshots for one content key as
// server-sent events until the client disconnects.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Listener callbacks must not block the coordinator; updates funnel
	// through a buffered channel and stale ones are dropped.
	updates := make(chan loader.Progress, 16)
	unsubscribe := s.coord.Subscribe(key, func(p loader.Progress) {
		select {
		case updates <- p:
		default:
		}
	})
	defer unsubscribe()

	send := func(p loader.Progress) bool {
		payload, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if p, ok := s.coord.GetProgress(key); ok {
		if !send(p) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-updates:
			if !send(p) {
				return
			}
		}
	}
}
