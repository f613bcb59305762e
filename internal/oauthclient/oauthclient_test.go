package oauthclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirenon/agent-gateway/internal/cryptoutil"
	"github.com/kirenon/agent-gateway/internal/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cipher, err := cryptoutil.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cryptoutil.New: %v", err)
	}

	return New(st, cipher)
}

func TestGenerateCodeVerifierLength(t *testing.T) {
	v, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("GenerateCodeVerifier: %v", err)
	}
	if len(v) != 43 {
		t.Fatalf("len(verifier) = %d, want 43", len(v))
	}
}

func TestGenerateCodeChallengeIsDeterministic(t *testing.T) {
	verifier := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnop"
	c1 := GenerateCodeChallenge(verifier)
	c2 := GenerateCodeChallenge(verifier)
	if c1 != c2 {
		t.Fatal("challenge should be deterministic for the same verifier")
	}
	if c1 == verifier {
		t.Fatal("challenge should not equal the verifier")
	}
}

func TestSplitCodeAndState(t *testing.T) {
	cases := []struct {
		raw       string
		wantCode  string
		wantState string
	}{
		{"abc#xyz", "abc", "xyz"},
		{"abc", "abc", ""},
		{"  abc#xy  ", "abc", "xy"},
		{"abc#", "abc", ""},
	}
	for _, tc := range cases {
		code, state := SplitCodeAndState(tc.raw)
		if code != tc.wantCode || state != tc.wantState {
			t.Errorf("SplitCodeAndState(%q) = (%q, %q), want (%q, %q)", tc.raw, code, state, tc.wantCode, tc.wantState)
		}
	}
}

func TestBuildAuthorizationURLIncludesChallengeAndState(t *testing.T) {
	c := newTestClient(t)
	u := c.BuildAuthorizationURL(AuthorizationParams{CodeChallenge: "chal123", State: "state456"})

	if !contains(u, "code_challenge=chal123") {
		t.Errorf("authorization URL missing code_challenge: %s", u)
	}
	if !contains(u, "state=state456") {
		t.Errorf("authorization URL missing state: %s", u)
	}
	if !contains(u, "code_challenge_method=S256") {
		t.Errorf("authorization URL missing code_challenge_method=S256: %s", u)
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "authorization_code" || body["code"] != "the-code" {
			t.Errorf("unexpected request body: %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.tokenURL = srv.URL

	tokens, err := c.ExchangeCode(context.Background(), "the-code", "verifier", "state")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokens.AccessToken != "at-1" || tokens.RefreshToken != "rt-1" {
		t.Fatalf("unexpected tokens: %+v", tokens)
	}
}

func TestExchangeCodeFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.tokenURL = srv.URL

	_, err := c.ExchangeCode(context.Background(), "bad-code", "verifier", "")
	if err == nil {
		t.Fatal("expected error on non-2xx response")
	}
	var exchangeErr *ErrTokenExchangeFailed
	if !asErrTokenExchangeFailed(err, &exchangeErr) {
		t.Fatalf("error is not *ErrTokenExchangeFailed: %v", err)
	}
}

func asErrTokenExchangeFailed(err error, target **ErrTokenExchangeFailed) bool {
	e, ok := err.(*ErrTokenExchangeFailed)
	if ok {
		*target = e
	}
	return ok
}

func TestRefreshAccessTokenPreservesOldRefreshWhenNoneRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"expires_in":   7200,
		})
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.tokenURL = srv.URL

	tokens, err := c.RefreshAccessToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if tokens.RefreshToken != "old-refresh" {
		t.Fatalf("RefreshToken = %q, want preserved old-refresh", tokens.RefreshToken)
	}
	if tokens.AccessToken != "at-2" {
		t.Fatalf("AccessToken = %q, want at-2", tokens.AccessToken)
	}
}

func TestRefreshAccessTokenRotatesWhenProvided(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-3",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.tokenURL = srv.URL

	tokens, err := c.RefreshAccessToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if tokens.RefreshToken != "new-refresh" {
		t.Fatalf("RefreshToken = %q, want new-refresh", tokens.RefreshToken)
	}
}

func TestDefaultExpiryAppliedWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-4",
			"refresh_token": "rt-4",
		})
	}))
	defer srv.Close()

	c := newTestClient(t)
	c.tokenURL = srv.URL

	before := time.Now()
	tokens, err := c.ExchangeCode(context.Background(), "code", "verifier", "")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	wantMin := before.Add(defaultRefreshSeconds * time.Second)
	if tokens.ExpiresAt.Before(wantMin) {
		t.Fatalf("ExpiresAt = %v, want at least %v (default 8h)", tokens.ExpiresAt, wantMin)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	if !NeedsRefresh(nil, 30*time.Minute, now) {
		t.Fatal("nil expiresAt should need refresh")
	}

	soon := now.Add(10 * time.Minute)
	if !NeedsRefresh(&soon, 30*time.Minute, now) {
		t.Fatal("expiry within threshold should need refresh")
	}

	later := now.Add(2 * time.Hour)
	if NeedsRefresh(&later, 30*time.Minute, now) {
		t.Fatal("expiry well outside threshold should not need refresh")
	}
}

func TestStoreAndLoadTokensRoundTrip(t *testing.T) {
	c := newTestClient(t)

	original := &Tokens{
		AccessToken:  "access-xyz",
		RefreshToken: "refresh-abc",
		ExpiresAt:    time.Unix(1_700_003_600, 0).UTC(),
		RefreshedAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := c.StoreTokens(original); err != nil {
		t.Fatalf("StoreTokens: %v", err)
	}

	loaded, err := c.LoadTokens()
	if err != nil {
		t.Fatalf("LoadTokens: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadTokens returned nil after StoreTokens")
	}
	if loaded.AccessToken != original.AccessToken || loaded.RefreshToken != original.RefreshToken {
		t.Fatalf("loaded tokens = %+v, want %+v", loaded, original)
	}
	if !loaded.ExpiresAt.Equal(original.ExpiresAt) {
		t.Fatalf("loaded ExpiresAt = %v, want %v", loaded.ExpiresAt, original.ExpiresAt)
	}
}

func TestLoadTokensReturnsNilWhenAbsent(t *testing.T) {
	c := newTestClient(t)
	tokens, err := c.LoadTokens()
	if err != nil {
		t.Fatalf("LoadTokens: %v", err)
	}
	if tokens != nil {
		t.Fatalf("LoadTokens() = %+v, want nil when no tokens stored", tokens)
	}
}

func TestPendingFlowStoreAndConsume(t *testing.T) {
	c := newTestClient(t)

	if err := c.StorePendingFlow("state-1", "verifier-1"); err != nil {
		t.Fatalf("StorePendingFlow: %v", err)
	}

	verifier, ok, err := c.ConsumePendingVerifier()
	if err != nil {
		t.Fatalf("ConsumePendingVerifier: %v", err)
	}
	if !ok || verifier != "verifier-1" {
		t.Fatalf("ConsumePendingVerifier() = (%q, %v), want (verifier-1, true)", verifier, ok)
	}

	// Second consume should find nothing.
	_, ok, err = c.ConsumePendingVerifier()
	if err != nil {
		t.Fatalf("ConsumePendingVerifier (second): %v", err)
	}
	if ok {
		t.Fatal("second ConsumePendingVerifier should report not found")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
