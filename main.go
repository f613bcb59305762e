// Command agent-gateway is a single-user web gateway that drives an agentic
// coding assistant, running in a local sandbox container, from a browser.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirenon/agent-gateway/internal/authtoken"
	"github.com/kirenon/agent-gateway/internal/config"
	"github.com/kirenon/agent-gateway/internal/cryptoutil"
	"github.com/kirenon/agent-gateway/internal/httpapi"
	"github.com/kirenon/agent-gateway/internal/identity"
	"github.com/kirenon/agent-gateway/internal/logging"
	"github.com/kirenon/agent-gateway/internal/oauthclient"
	"github.com/kirenon/agent-gateway/internal/ringbuffer"
	"github.com/kirenon/agent-gateway/internal/sandbox"
	"github.com/kirenon/agent-gateway/internal/sessionmgr"
	"github.com/kirenon/agent-gateway/internal/store"
	"github.com/kirenon/agent-gateway/internal/sysinfo"
	"github.com/kirenon/agent-gateway/internal/wsserver"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("agent-gateway exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cipher, err := cryptoutil.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	cookies, err := authtoken.NewCookieSigner(cfg.AppSecret)
	if err != nil {
		return fmt.Errorf("init cookie signer: %w", err)
	}
	tickets, err := authtoken.NewTicketIssuer(cfg.AppSecret, cfg.WSTicketWindow)
	if err != nil {
		return fmt.Errorf("init ticket issuer: %w", err)
	}

	oauth := oauthclient.New(st, cipher)

	idCtx, idCancel := context.WithTimeout(context.Background(), 30*time.Second)
	idp, err := identity.New(idCtx, identity.Config{
		IssuerURL:       cfg.IdentityIssuerURL,
		ClientID:        cfg.IdentityClientID,
		ClientSecret:    cfg.IdentityClientSecret,
		RedirectURL:     cfg.PublicURL + "/api/auth/callback",
		AllowedIdentity: cfg.AllowedIdentity,
		CookieSigner:    cookies,
	})
	idCancel()
	if err != nil {
		return fmt.Errorf("init identity provider: %w", err)
	}

	sb, err := sandbox.New(cfg.SandboxContainerName, cfg.SandboxImage)
	if err != nil {
		return fmt.Errorf("init sandbox controller: %w", err)
	}
	defer sb.Close()

	sysInfo := sysinfo.New()
	ring := ringbuffer.New()

	sessions := sessionmgr.New(sessionmgr.Config{
		Store:             st,
		WrapperPath:       cfg.WrapperPath,
		PermissionTimeout: cfg.PermissionTimeout,
		IdleSuspendWait:   cfg.IdleSuspendWait,
	})

	ws := wsserver.New(wsserver.Config{
		WSPath:       cfg.WSPath,
		Cookies:      cookies,
		Tickets:      tickets,
		Sessions:     sessions,
		OAuth:        oauth,
		Sandbox:      sb,
		PingInterval: cfg.WSPingInterval,
	})

	api := httpapi.New(httpapi.Config{
		Store:     st,
		Cookies:   cookies,
		Tickets:   tickets,
		Sessions:  sessions,
		OAuth:     oauth,
		Identity:  idp,
		Sandbox:   sb,
		SysInfo:   sysInfo,
		Ring:      ring,
		Version:   version,
		StartedAt: time.Now(),
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, ws)
	mux.Handle("/", api)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// WriteTimeout is intentionally left at zero: the WebSocket upgrade
		// path is a long-lived hijacked connection, and WriteTimeout sets a
		// deadline on the underlying net.Conn before the handler runs.
		IdleTimeout: 120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent-gateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessions.Interrupt()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("error during HTTP server shutdown", "error", err)
	}

	slog.Info("agent-gateway stopped")
	return nil
}
