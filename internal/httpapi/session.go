package httpapi

import "net/http"

// handleGetSession implements spec §4.7's GET /api/session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"state": string(s.sessions.GetState())})
}

// handleDeleteSession implements spec §4.7's DELETE /api/session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Interrupt()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
