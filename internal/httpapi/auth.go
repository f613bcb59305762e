package httpapi

import (
	"errors"
	"net/http"

	"github.com/kirenon/agent-gateway/internal/identity"
)

// handleAuthInitiate implements spec §6's POST /api/auth/<provider>. The
// provider segment is accepted but not dispatched on: spec.md's Non-goals
// exclude "authorization policy beyond a single allow-listed identity", so
// there is exactly one configured identity provider to redirect to.
func (s *Server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	returnTo := r.FormValue("return_to")
	if returnTo == "" {
		returnTo = "/"
	}

	loginURL, err := s.identity.LoginURL(returnTo)
	if err != nil {
		if errors.Is(err, identity.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start sign-in")
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleAuthCallback implements spec §6's GET /api/auth/callback: on
// success, issues a session cookie and redirects to return_to (or "/").
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	result, err := s.identity.Callback(r.Context(), code, state)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "sign-in failed")
		return
	}

	setSessionCookie(w, result.SessionCookie)

	redirectPath := result.RedirectPath
	if redirectPath == "" {
		redirectPath = "/"
	}
	http.Redirect(w, r, redirectPath, http.StatusFound)
}
