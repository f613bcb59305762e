package httpapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/kirenon/agent-gateway/internal/oauthclient"
)

var claudeTokenPattern = regexp.MustCompile(`^sk-ant-`)

// claudeTokenConservativeExpiry is the expiry assumed for a manually pasted
// token, which carries no expires_in of its own.
const claudeTokenConservativeExpiry = 7 * 24 * time.Hour

// handleSetupClaudeToken implements spec §6's POST /api/setup/claude/token:
// a manually pasted token, stored with a conservative 7-day expiry.
func (s *Server) handleSetupClaudeToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !claudeTokenPattern.MatchString(body.Token) {
		writeError(w, http.StatusBadRequest, "token must match ^sk-ant-")
		return
	}

	now := time.Now()
	if err := s.oauth.StoreTokens(&oauthclient.Tokens{
		AccessToken: body.Token,
		ExpiresAt:   now.Add(claudeTokenConservativeExpiry),
		RefreshedAt: now,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store token")
		return
	}
	if err := s.store.Set(setupCompleteKey, "true"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark setup complete")
		return
	}

	cookie, err := s.cookies.Issue()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue session cookie")
		return
	}
	setSessionCookie(w, cookie)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSetupClaudeStart implements spec §6's GET /api/setup/claude/start:
// begin the PKCE flow and persist the verifier/state for the exchange step.
func (s *Server) handleSetupClaudeStart(w http.ResponseWriter, r *http.Request) {
	verifier, err := oauthclient.GenerateCodeVerifier()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate verifier")
		return
	}
	state, err := oauthclient.GenerateCodeVerifier()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate state")
		return
	}
	if err := s.oauth.StorePendingFlow(state, verifier); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist pending flow")
		return
	}

	authURL := s.oauth.BuildAuthorizationURL(oauthclient.AuthorizationParams{
		CodeChallenge: oauthclient.GenerateCodeChallenge(verifier),
		State:         state,
	})
	writeJSON(w, http.StatusOK, map[string]any{"url": authURL})
}

// handleSetupClaudeExchange implements spec §6's POST
// /api/setup/claude/exchange: consume the pending verifier and exchange the
// pasted "<code>#<state>" artifact for tokens.
func (s *Server) handleSetupClaudeExchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	verifier, ok, err := s.oauth.ConsumePendingVerifier()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pending flow")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "no setup flow in progress")
		return
	}

	code, state := oauthclient.SplitCodeAndState(body.Code)
	tokens, err := s.oauth.ExchangeCode(r.Context(), code, verifier, state)
	if err != nil {
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	if err := s.oauth.StoreTokens(tokens); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store tokens")
		return
	}
	if err := s.store.Set(setupCompleteKey, "true"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark setup complete")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
