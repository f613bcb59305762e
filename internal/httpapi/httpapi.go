// Package httpapi implements the gateway's REST surface: chi-routed guards,
// health/monitor reporting, session control, the Claude credential setup
// flow, identity sign-in, and the observability debug endpoint.
//
// Routing and middleware follow telnet2-opencode's internal/server: a
// chi.Mux with RequestID/RealIP/Logger/Recoverer plus go-chi/cors, routes
// nested with chi.Router's Route/{param} idiom. The guard/setup-gate
// ordering is this gateway's own (spec §4.6); nothing in the example pack
// implements a single-identity allow-list gate, so that piece is built
// directly from the spec rather than adapted from a donor handler.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kirenon/agent-gateway/internal/authtoken"
	"github.com/kirenon/agent-gateway/internal/identity"
	"github.com/kirenon/agent-gateway/internal/oauthclient"
	"github.com/kirenon/agent-gateway/internal/ringbuffer"
	"github.com/kirenon/agent-gateway/internal/sandbox"
	"github.com/kirenon/agent-gateway/internal/sessionmgr"
	"github.com/kirenon/agent-gateway/internal/store"
	"github.com/kirenon/agent-gateway/internal/sysinfo"
)

const setupCompleteKey = "setup_complete"

// Config configures a Server.
type Config struct {
	Store     *store.Store
	Cookies   *authtoken.CookieSigner
	Tickets   *authtoken.TicketIssuer
	Sessions  *sessionmgr.Manager
	OAuth     *oauthclient.Client
	Identity  *identity.Provider
	Sandbox   *sandbox.Controller
	SysInfo   *sysinfo.Collector
	Ring      *ringbuffer.Buffer
	Version   string
	StartedAt time.Time
}

// Server is the gateway's non-WebSocket HTTP surface.
type Server struct {
	router *chi.Mux

	store     *store.Store
	cookies   *authtoken.CookieSigner
	tickets   *authtoken.TicketIssuer
	sessions  *sessionmgr.Manager
	oauth     *oauthclient.Client
	identity  *identity.Provider
	sandbox   *sandbox.Controller
	sysinfo   *sysinfo.Collector
	ring      *ringbuffer.Buffer
	version   string
	startedAt time.Time
}

// New builds the router and returns a ready-to-mount Server.
func New(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		cookies:   cfg.Cookies,
		tickets:   cfg.Tickets,
		sessions:  cfg.Sessions,
		oauth:     cfg.OAuth,
		identity:  cfg.Identity,
		sandbox:   cfg.Sandbox,
		sysinfo:   cfg.SysInfo,
		ring:      cfg.Ring,
		version:   cfg.Version,
		startedAt: cfg.StartedAt,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(s.guard)

	r.Get("/login", s.loginPage)
	r.Get("/setup", s.setupPage)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/monitor", s.handleMonitor)

		r.Get("/session", s.handleGetSession)
		r.Delete("/session", s.handleDeleteSession)

		r.Get("/ws-ticket", s.handleWSTicket)

		r.Route("/setup/claude", func(r chi.Router) {
			r.Post("/token", s.handleSetupClaudeToken)
			r.Get("/start", s.handleSetupClaudeStart)
			r.Post("/exchange", s.handleSetupClaudeExchange)
		})

		r.Post("/auth/{provider}", s.handleAuthInitiate)
		r.Get("/auth/callback", s.handleAuthCallback)

		r.Get("/debug", s.handleGetDebug)
		r.Delete("/debug", s.handleDeleteDebug)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler, so a Server can be mounted directly on
// any top-level mux alongside internal/wsserver's handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
