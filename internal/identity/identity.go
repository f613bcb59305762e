// Package identity authenticates the gateway's single owner against an
// external OpenID Connect identity provider, then issues the gateway's own
// session cookie on success.
//
// Adapted from the OIDC login flow in the example pack's multi-user plugin
// auth provider: discover the provider via oidc.NewProvider, build an
// oauth2.Config from its endpoint, redirect to AuthCodeURL with a CSRF
// state token, and on callback exchange the code, verify the ID token, and
// check its claims. This gateway has exactly one authorized identity
// rather than a user table, so findOrCreateUser/JWT-issuance collapses
// into a single allow-list check against the configured subject/email and
// a cookie issued by internal/authtoken.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kirenon/agent-gateway/internal/authtoken"
)

// ErrStateInvalid is returned when a callback's state parameter is unknown
// or expired.
var ErrStateInvalid = errors.New("identity: invalid or expired state parameter")

// ErrNotAuthorized is returned when a verified identity does not match the
// configured allow-listed identity.
var ErrNotAuthorized = errors.New("identity: authenticated identity is not authorized")

// ErrRateLimited is returned when login attempts exceed the configured rate.
var ErrRateLimited = errors.New("identity: too many login attempts, try again shortly")

const stateTTL = 10 * time.Minute

type pendingState struct {
	redirectPath string
	expiresAt    time.Time
}

// Provider authenticates the gateway owner via OIDC and issues session
// cookies.
type Provider struct {
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
	allowed      string
	cookies      *authtoken.CookieSigner
	limiter      *rate.Limiter

	mu     sync.Mutex
	states map[string]pendingState
}

// Config carries the settings needed to discover and trust an OIDC
// identity provider.
type Config struct {
	IssuerURL        string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	AllowedIdentity  string // subject or email allowed to authenticate
	CookieSigner     *authtoken.CookieSigner
}

// New discovers the OIDC provider at cfg.IssuerURL and returns a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.AllowedIdentity == "" {
		return nil, errors.New("identity: AllowedIdentity must not be empty")
	}
	if cfg.CookieSigner == nil {
		return nil, errors.New("identity: CookieSigner must not be nil")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("identity: discover provider at %s: %w", cfg.IssuerURL, err)
	}

	return &Provider{
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		allowed:  cfg.AllowedIdentity,
		cookies:  cfg.CookieSigner,
		limiter:  rate.NewLimiter(rate.Every(time.Minute), 5),
		states:   make(map[string]pendingState),
	}, nil
}

// LoginURL generates a fresh CSRF state, records it against redirectPath,
// and returns the provider's authorization URL.
func (p *Provider) LoginURL(redirectPath string) (string, error) {
	if !p.limiter.Allow() {
		return "", ErrRateLimited
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("identity: generate state: %w", err)
	}

	p.mu.Lock()
	p.cleanupStatesLocked()
	p.states[state] = pendingState{redirectPath: redirectPath, expiresAt: time.Now().Add(stateTTL)}
	p.mu.Unlock()

	return p.oauth2Config.AuthCodeURL(state), nil
}

// CallbackResult is returned from a successful Callback.
type CallbackResult struct {
	SessionCookie string
	RedirectPath  string
}

// Callback validates state, exchanges code for tokens, verifies the ID
// token, checks the subject/email against the allow-list, and on success
// issues a new session cookie.
func (p *Provider) Callback(ctx context.Context, code, state string) (*CallbackResult, error) {
	p.mu.Lock()
	pending, ok := p.states[state]
	if ok {
		delete(p.states, state)
	}
	p.cleanupStatesLocked()
	p.mu.Unlock()

	if !ok {
		return nil, ErrStateInvalid
	}
	if time.Now().After(pending.expiresAt) {
		return nil, ErrStateInvalid
	}

	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("identity: exchange code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, errors.New("identity: token response did not include id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("identity: verify id_token: %w", err)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("identity: parse claims: %w", err)
	}

	if !p.isAllowed(claims.Sub, claims.Email) {
		return nil, ErrNotAuthorized
	}

	cookie, err := p.cookies.Issue()
	if err != nil {
		return nil, fmt.Errorf("identity: issue session cookie: %w", err)
	}

	return &CallbackResult{SessionCookie: cookie, RedirectPath: pending.redirectPath}, nil
}

func (p *Provider) isAllowed(sub, email string) bool {
	allowed := strings.TrimSpace(p.allowed)
	return allowed != "" && (strings.EqualFold(sub, allowed) || strings.EqualFold(email, allowed))
}

// cleanupStatesLocked drops expired entries. Caller must hold p.mu.
func (p *Provider) cleanupStatesLocked() {
	now := time.Now()
	for state, pending := range p.states {
		if now.After(pending.expiresAt) {
			delete(p.states, state)
		}
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
