package httpapi

import (
	"html/template"
	"net/http"
)

// Rendering a full chat UI is an explicit spec Non-goal; these two pages are
// the minimal scaffolding the guard (spec §4.6) needs somewhere to send an
// unauthenticated or not-yet-set-up browser.
var (
	loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<form method="post" action="/api/auth/default">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<button type="submit">Sign in</button>
</form>
</body></html>
`))

	setupTemplate = template.Must(template.New("setup").Parse(`<!doctype html>
<html><head><title>Set up Claude credentials</title></head>
<body>
<h1>Set up Claude credentials</h1>
<p>Paste a token (starting with <code>sk-ant-</code>) below, or start the
sign-in flow.</p>
<form id="paste-form">
<input type="text" name="token" placeholder="sk-ant-...">
<button type="submit">Save token</button>
</form>
<button id="start-oauth">Sign in with Claude</button>
<script>
document.getElementById('paste-form').addEventListener('submit', function(e) {
  e.preventDefault();
  var token = e.target.token.value;
  fetch('/api/setup/claude/token', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({token: token}),
  }).then(function() { window.location = '/'; });
});
document.getElementById('start-oauth').addEventListener('click', function() {
  fetch('/api/setup/claude/start').then(function(r) { return r.json(); }).then(function(body) {
    window.location = body.url;
  });
});
</script>
</body></html>
`))
)

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		returnTo = "/"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = loginTemplate.Execute(w, map[string]string{"ReturnTo": returnTo})
}

func (s *Server) setupPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = setupTemplate.Execute(w, nil)
}
