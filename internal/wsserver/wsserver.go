// Package wsserver implements the WebSocket transport: upgrade-time
// authentication, per-connection keepalive, and routing of inbound client
// messages into the Session Manager.
//
// Adapted from the donor's internal/acp/gateway.go, which bridges one
// gorilla/websocket connection to one ACP agent process 1:1 and supports
// session "takeover" on reconnect. That shape doesn't fit this gateway's
// fan-out model — many browser tabs can subscribe to the one active
// session — so the 1:1 Gateway type is not reused directly. What is kept
// is the donor's general keepalive idiom: a ping ticker goroutine guarded
// by the same write mutex as outbound application writes, and treating any
// write/read error as "the connection is dead, tear down."
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kirenon/agent-gateway/internal/authtoken"
	"github.com/kirenon/agent-gateway/internal/oauthclient"
	"github.com/kirenon/agent-gateway/internal/sandbox"
	"github.com/kirenon/agent-gateway/internal/sessionmgr"
)

const writeWait = 10 * time.Second

// proactiveRefreshThreshold mirrors spec §4.3's default needsRefresh window.
const proactiveRefreshThreshold = 30 * time.Minute

// Config configures a Server.
type Config struct {
	WSPath       string
	Cookies      *authtoken.CookieSigner
	Tickets      *authtoken.TicketIssuer
	Sessions     *sessionmgr.Manager
	OAuth        *oauthclient.Client
	Sandbox      *sandbox.Controller
	PingInterval time.Duration
}

// Server upgrades matching HTTP requests to WebSocket connections and runs
// their per-connection handler loop.
type Server struct {
	upgrader websocket.Upgrader

	wsPath       string
	cookies      *authtoken.CookieSigner
	tickets      *authtoken.TicketIssuer
	sessions     *sessionmgr.Manager
	oauth        *oauthclient.Client
	sandbox      *sandbox.Controller
	pingInterval time.Duration
}

// New returns a Server ready to be mounted at cfg.WSPath.
func New(cfg Config) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		wsPath:       cfg.WSPath,
		cookies:      cfg.Cookies,
		tickets:      cfg.Tickets,
		sessions:     cfg.Sessions,
		oauth:        cfg.OAuth,
		sandbox:      cfg.Sandbox,
		pingInterval: cfg.PingInterval,
	}
}

// ServeHTTP implements spec §4.2's upgrade contract: a path-prefix check,
// cookie-or-query-param token extraction, and a 401 with no body on
// authentication failure. Requests whose path doesn't match the configured
// WS path get their connection closed with no HTTP response at all, rather
// than a routed 404 — this handler is expected to be mounted only at
// wsPath, but the check is kept as defense in depth.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, s.wsPath) {
		closeWithoutResponse(w)
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.WriteHeader(http.StatusUpgradeRequired)
		return
	}

	token := extractToken(r)
	if token == "" || !s.authenticate(token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wsserver: upgrade failed", "error", err)
		return
	}

	c := &connection{conn: conn, server: s}
	c.run(r.Context())
}

func extractToken(r *http.Request) string {
	if ck, err := r.Cookie(authtoken.CookieName); err == nil {
		return ck.Value
	}
	return r.URL.Query().Get(authtoken.TicketQueryParam)
}

func (s *Server) authenticate(token string) bool {
	if _, ok := s.cookies.Verify(token); ok {
		return true
	}
	return s.tickets.Valid(token, time.Now())
}

func closeWithoutResponse(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	netConn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	netConn.Close()
}

// connection is one upgraded WebSocket, registered as a Session Manager
// subscriber for its lifetime.
type connection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	server  *Server
}

// Send implements sessionmgr.Subscriber.
func (c *connection) Send(message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func (c *connection) run(ctx context.Context) {
	defer c.conn.Close()

	c.server.sessions.AddSubscriber(c)
	defer c.server.sessions.RemoveSubscriber(c)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(stopPing)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("wsserver: connection read error, closing", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleMessage(ctx, data)
	}
}

// pingLoop sends a protocol ping every pingInterval. Per spec §4.2 a pong
// is expected but not required to keep the connection open; only a
// failed write (the clearest sign the transport itself has died) ends it.
func (c *connection) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	Allow   bool   `json:"allow,omitempty"`
}

func (c *connection) handleMessage(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("wsserver: malformed client message", "error", err)
		return
	}

	switch msg.Type {
	case "message":
		c.handleUserMessage(ctx, msg.Content)
	case "permission_response":
		c.server.sessions.HandlePermissionResponse(msg.ID, msg.Allow)
	case "interrupt":
		c.server.sessions.Interrupt()
	default:
		slog.Debug("wsserver: ignoring unrecognized client message type", "type", msg.Type)
	}
}

func (c *connection) handleUserMessage(ctx context.Context, content string) {
	switch c.server.sessions.GetState() {
	case sessionmgr.StateRunning, sessionmgr.StateWaitingPermission:
		if err := c.server.sessions.SendMessage(content); err != nil {
			c.sendError(err)
		}
	default:
		if err := c.startSessionAndSend(ctx, content); err != nil {
			c.sendError(err)
		}
	}
}

// startSessionAndSend implements spec §4.2's lazy start routine: load
// tokens, refresh if stale, ensure the sandbox is running, start the
// session, then deliver the first message.
func (c *connection) startSessionAndSend(ctx context.Context, content string) error {
	tokens, err := c.server.oauth.LoadTokens()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if tokens == nil {
		return errors.New("no Claude credentials configured")
	}

	if oauthclient.NeedsRefresh(&tokens.ExpiresAt, proactiveRefreshThreshold, time.Now()) && tokens.RefreshToken != "" {
		refreshed, err := c.server.oauth.RefreshAccessToken(ctx, tokens.RefreshToken)
		if err != nil {
			slog.Warn("wsserver: proactive token refresh failed, continuing with existing token", "error", err)
		} else {
			if err := c.server.oauth.StoreTokens(refreshed); err != nil {
				slog.Warn("wsserver: failed to persist refreshed tokens", "error", err)
			}
			tokens = refreshed
		}
	}

	if c.server.sandbox != nil {
		if err := c.server.sandbox.EnsureRunning(ctx); err != nil {
			return fmt.Errorf("ensure sandbox running: %w", err)
		}
	}

	if err := c.server.sessions.StartSession(ctx, tokens.AccessToken); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	return c.server.sessions.SendMessage(content)
}

func (c *connection) sendError(err error) {
	payload, marshalErr := json.Marshal(map[string]any{"type": "error", "message": err.Error()})
	if marshalErr != nil {
		return
	}
	if sendErr := c.Send(payload); sendErr != nil {
		slog.Debug("wsserver: failed to deliver error to originating connection", "error", sendErr)
	}
}
