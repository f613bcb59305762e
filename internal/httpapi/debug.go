package httpapi

import (
	"net/http"
	"strconv"
)

// handleGetDebug implements spec §4.8's observability ring buffer read: an
// optional limit query param caps how many recent entries come back.
func (s *Server) handleGetDebug(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.ring.Get(limit)})
}

// handleDeleteDebug clears the ring buffer.
func (s *Server) handleDeleteDebug(w http.ResponseWriter, r *http.Request) {
	s.ring.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
