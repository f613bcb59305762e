package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/kirenon/agent-gateway/internal/authtoken"
)

func isPublicPath(path string) bool {
	if path == "/login" || path == "/api/health" {
		return true
	}
	return strings.HasPrefix(path, "/api/auth/")
}

func isSetupPath(path string) bool {
	if path == "/setup" {
		return true
	}
	return strings.HasPrefix(path, "/api/setup/")
}

// guard implements spec §4.6: public paths pass straight through; every
// other path requires a verified session cookie, redirecting to the login
// page with return_to set to the original request otherwise; once
// authenticated, an incomplete setup gates every non-setup path to /setup.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !s.isAuthenticated(r) {
			redirectToLogin(w, r)
			return
		}

		if !isSetupPath(r.URL.Path) && !s.setupComplete() {
			http.Redirect(w, r, "/setup", http.StatusFound)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAuthenticated(r *http.Request) bool {
	ck, err := r.Cookie(authtoken.CookieName)
	if err != nil {
		return false
	}
	_, ok := s.cookies.Verify(ck.Value)
	return ok
}

func (s *Server) setupComplete() bool {
	v, ok, err := s.store.Get(setupCompleteKey)
	if err != nil || !ok {
		return false
	}
	return v == "true"
}

func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Path
	if r.URL.RawQuery != "" {
		returnTo += "?" + r.URL.RawQuery
	}
	q := url.Values{}
	q.Set("return_to", returnTo)
	http.Redirect(w, r, "/login?"+q.Encode(), http.StatusFound)
}
