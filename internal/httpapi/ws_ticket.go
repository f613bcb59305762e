package httpapi

import (
	"net/http"
	"time"
)

// handleWSTicket implements spec §6's GET /api/ws-ticket: a fresh
// short-lived ticket for browsers that cannot carry the session cookie on
// the WebSocket upgrade.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.Issue(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket})
}
