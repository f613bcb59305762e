// Package oauthclient implements the PKCE credential lifecycle for the
// upstream assistant service: code verifier/challenge generation,
// authorization URL construction, code/refresh token exchange, and
// encrypted persistence through the config store.
//
// This is hand-rolled against the gateway's exact wire contract (refresh
// token preservation when the upstream omits a rotated one, an 8-hour
// default expiry, "<code>#<state>" splitting) rather than built on
// golang.org/x/oauth2: that library's Config/TokenSource model assumes a
// standard refresh semantics the spec explicitly overrides, and pulling it
// in for one endpoint pair would fight the library more than it helps.
// golang.org/x/oauth2 is used for the separate identity-provider login
// (internal/identity), whose behavior does match its assumptions.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirenon/agent-gateway/internal/cryptoutil"
	"github.com/kirenon/agent-gateway/internal/store"
)

const (
	defaultClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	defaultRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	defaultScope       = "org:create_api_key user:profile user:inference"
	defaultAuthBaseURL = "https://claude.ai/oauth/authorize"
	defaultTokenURL    = "https://console.anthropic.com/v1/oauth/token"

	defaultRefreshSeconds = 8 * 60 * 60 // 8 hours

	keyAccessToken   = "claude_oauth_token"
	keyRefreshToken  = "claude_refresh_token"
	keyExpiresAt     = "claude_token_expires_at"
	keyRefreshedAt   = "claude_token_refreshed_at"
	keyPendingState  = "oauth_pending_state"
	keyPendingVerify = "oauth_pending_verifier"
)

// ErrTokenExchangeFailed is returned when the upstream code-exchange
// endpoint responds with a non-2xx status.
type ErrTokenExchangeFailed struct {
	Status int
	Body   string
}

func (e *ErrTokenExchangeFailed) Error() string {
	return fmt.Sprintf("oauthclient: token exchange failed: status=%d body=%s", e.Status, e.Body)
}

// ErrTokenRefreshFailed is returned when the upstream refresh endpoint
// responds with a non-2xx status.
type ErrTokenRefreshFailed struct {
	Status int
	Body   string
}

func (e *ErrTokenRefreshFailed) Error() string {
	return fmt.Sprintf("oauthclient: token refresh failed: status=%d body=%s", e.Status, e.Body)
}

// Tokens is the logical OAuth token record assembled from config entries.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	RefreshedAt  time.Time
}

// AuthorizationParams customizes BuildAuthorizationURL.
type AuthorizationParams struct {
	CodeChallenge string
	State         string
	ClientID      string
	RedirectURI   string
	Scope         string
}

// Client is the PKCE credential-lifecycle client.
type Client struct {
	store  *store.Store
	crypto *cryptoutil.Cipher
	http   *http.Client

	authBaseURL string
	tokenURL    string
}

// New returns a Client backed by the given store and cipher.
func New(st *store.Store, cipher *cryptoutil.Cipher) *Client {
	return &Client{
		store:       st,
		crypto:      cipher,
		http:        &http.Client{Timeout: 15 * time.Second},
		authBaseURL: defaultAuthBaseURL,
		tokenURL:    defaultTokenURL,
	}
}

// GenerateCodeVerifier returns 43 URL-safe characters derived from 32
// random bytes.
func GenerateCodeVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauthclient: read random verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateCodeChallenge returns base64url(SHA256(verifier)).
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BuildAuthorizationURL constructs the authorization URL for the PKCE flow.
func (c *Client) BuildAuthorizationURL(p AuthorizationParams) string {
	clientID := p.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}
	redirectURI := p.RedirectURI
	if redirectURI == "" {
		redirectURI = defaultRedirectURI
	}
	scope := p.Scope
	if scope == "" {
		scope = defaultScope
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("code_challenge_method", "S256")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", scope)
	q.Set("code_challenge", p.CodeChallenge)
	q.Set("state", p.State)

	return c.authBaseURL + "?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, state string) (*Tokens, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  defaultRedirectURI,
		"client_id":     defaultClientID,
		"code_verifier": verifier,
	}
	if state != "" {
		body["state"] = state
	}

	resp, err := c.postJSON(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, &ErrTokenExchangeFailed{Status: resp.status, Body: resp.body}
	}

	return parseTokenResponse(resp.body, time.Now(), "")
}

// RefreshAccessToken exchanges a refresh token for a new access token. If
// the upstream omits a rotated refresh token, the caller's refreshToken is
// preserved in the result.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*Tokens, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     defaultClientID,
	}

	resp, err := c.postJSON(ctx, body)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, &ErrTokenRefreshFailed{Status: resp.status, Body: resp.body}
	}

	return parseTokenResponse(resp.body, time.Now(), refreshToken)
}

func parseTokenResponse(body []byte, now time.Time, fallbackRefresh string) (*Tokens, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("oauthclient: parse token response: %w", err)
	}

	refreshToken := tr.RefreshToken
	if refreshToken == "" {
		refreshToken = fallbackRefresh
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultRefreshSeconds
	}

	return &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		RefreshedAt:  now,
	}, nil
}

type httpResult struct {
	status int
	body   []byte
}

func (c *Client) postJSON(ctx context.Context, body map[string]string) (*httpResult, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("oauthclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: read response: %w", err)
	}

	return &httpResult{status: resp.StatusCode, body: respBody}, nil
}

// NeedsRefresh reports whether expiresAt is absent or within threshold of
// now.
func NeedsRefresh(expiresAt *time.Time, threshold time.Duration, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return expiresAt.Sub(now) < threshold
}

// LoadTokens reads and decrypts the persisted token record, or returns nil
// if none is stored.
func (c *Client) LoadTokens() (*Tokens, error) {
	accessEnc, ok, err := c.store.Get(keyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: load access token: %w", err)
	}
	if !ok {
		return nil, nil
	}
	access, err := c.crypto.Decrypt(accessEnc)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: decrypt access token: %w", err)
	}

	var refresh string
	refreshEnc, ok, err := c.store.Get(keyRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: load refresh token: %w", err)
	}
	if ok {
		refresh, err = c.crypto.Decrypt(refreshEnc)
		if err != nil {
			return nil, fmt.Errorf("oauthclient: decrypt refresh token: %w", err)
		}
	}

	expiresAtStr, _, err := c.store.Get(keyExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: load expires_at: %w", err)
	}
	expiresAt, err := parseUnixSeconds(expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: parse expires_at: %w", err)
	}

	refreshedAtStr, ok, err := c.store.Get(keyRefreshedAt)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: load refreshed_at: %w", err)
	}
	var refreshedAt time.Time
	if ok {
		refreshedAt, err = parseUnixSeconds(refreshedAtStr)
		if err != nil {
			return nil, fmt.Errorf("oauthclient: parse refreshed_at: %w", err)
		}
	} else {
		// Fall back to expires_at when refreshed_at was never persisted.
		refreshedAt = expiresAt
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		RefreshedAt:  refreshedAt,
	}, nil
}

// StoreTokens encrypts and persists a token record.
func (c *Client) StoreTokens(t *Tokens) error {
	accessEnc, err := c.crypto.Encrypt(t.AccessToken)
	if err != nil {
		return fmt.Errorf("oauthclient: encrypt access token: %w", err)
	}
	if err := c.store.Set(keyAccessToken, accessEnc); err != nil {
		return err
	}

	if t.RefreshToken != "" {
		refreshEnc, err := c.crypto.Encrypt(t.RefreshToken)
		if err != nil {
			return fmt.Errorf("oauthclient: encrypt refresh token: %w", err)
		}
		if err := c.store.Set(keyRefreshToken, refreshEnc); err != nil {
			return err
		}
	}

	if err := c.store.Set(keyExpiresAt, formatUnixSeconds(t.ExpiresAt)); err != nil {
		return err
	}
	return c.store.Set(keyRefreshedAt, formatUnixSeconds(t.RefreshedAt))
}

// StorePendingFlow persists the PKCE verifier and state created at the
// start of the setup flow.
func (c *Client) StorePendingFlow(state, verifier string) error {
	if err := c.store.Set(keyPendingState, state); err != nil {
		return err
	}
	return c.store.Set(keyPendingVerify, verifier)
}

// ConsumePendingVerifier reads and deletes the pending verifier, returning
// ("", false) if no flow is in progress.
func (c *Client) ConsumePendingVerifier() (string, bool, error) {
	verifier, ok, err := c.store.Get(keyPendingVerify)
	if err != nil || !ok {
		return "", false, err
	}
	_ = c.store.Delete(keyPendingVerify)
	_ = c.store.Delete(keyPendingState)
	return verifier, true, nil
}

// SplitCodeAndState parses the combined "<code>#<state>" artifact pasted
// from the upstream callback page. If no '#' is present, the whole trimmed
// value is the code and state is empty.
func SplitCodeAndState(raw string) (code, state string) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.Index(trimmed, "#")
	if idx < 0 {
		return strings.TrimSpace(trimmed), ""
	}
	code = strings.TrimSpace(trimmed[:idx])
	state = strings.TrimSpace(trimmed[idx+1:])
	return code, state
}

var errInvalidTimestamp = errors.New("oauthclient: invalid timestamp")

func parseUnixSeconds(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errInvalidTimestamp
	}
	return time.Unix(sec, 0).UTC(), nil
}

func formatUnixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
