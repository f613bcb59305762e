package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/kirenon/agent-gateway/internal/sandbox"
	"github.com/kirenon/agent-gateway/internal/store"
	"github.com/kirenon/agent-gateway/internal/sysinfo"
)

// healthPayload mirrors spec §6's GET /api/health body.
type healthPayload struct {
	Status                      string `json:"status"`
	UptimeSeconds               int64  `json:"uptime_seconds"`
	SetupComplete               bool   `json:"setup_complete"`
	ContainerStatus             string `json:"container_status"`
	ClaudeTokenValid            bool   `json:"claude_token_valid"`
	ClaudeTokenExpiresInSeconds *int64 `json:"claude_token_expires_in_seconds,omitempty"`
	Version                     string `json:"version"`
}

// monitorPayload extends healthPayload with CPU/memory/disk, container
// uptime, and usage aggregates, per spec §6's GET /api/monitor.
type monitorPayload struct {
	healthPayload
	CPU                    sysinfo.CPU          `json:"cpu"`
	Memory                 sysinfo.Memory       `json:"memory"`
	Disk                   sysinfo.Disk         `json:"disk"`
	ContainerUptimeSeconds *int64               `json:"container_uptime_seconds,omitempty"`
	Usage                  store.UsageAggregates `json:"usage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload, degraded := s.collectHealth(r.Context())
	status := http.StatusOK
	if degraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// collectHealth gathers the fields spec §243 names as driving degradation:
// setup incomplete, sandbox not running, or an expired/missing token.
func (s *Server) collectHealth(ctx context.Context) (healthPayload, bool) {
	setupComplete := s.setupComplete()

	containerStatus := string(sandbox.StateMissing)
	sandboxRunning := false
	if s.sandbox != nil {
		if st, err := s.sandbox.GetState(ctx); err == nil {
			containerStatus = string(st)
			sandboxRunning = st == sandbox.StateRunning
		}
	}

	tokenValid := false
	var expiresIn *int64
	if s.oauth != nil {
		if tokens, err := s.oauth.LoadTokens(); err == nil && tokens != nil {
			secs := int64(time.Until(tokens.ExpiresAt).Seconds())
			expiresIn = &secs
			tokenValid = secs > 0
		}
	}

	degraded := !setupComplete || !sandboxRunning || !tokenValid

	payload := healthPayload{
		Status:                      statusString(degraded),
		UptimeSeconds:               int64(time.Since(s.startedAt).Seconds()),
		SetupComplete:               setupComplete,
		ContainerStatus:             containerStatus,
		ClaudeTokenValid:            tokenValid,
		ClaudeTokenExpiresInSeconds: expiresIn,
		Version:                     s.version,
	}
	return payload, degraded
}

func statusString(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return "ok"
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	health, _ := s.collectHealth(r.Context())

	var snap sysinfo.Snapshot
	if s.sysinfo != nil {
		snap = s.sysinfo.Collect()
	}

	var containerUptime *int64
	if s.sandbox != nil {
		if info, err := s.sandbox.Inspect(r.Context()); err == nil && info.State == sandbox.StateRunning && !info.StartedAt.IsZero() {
			secs := int64(time.Since(info.StartedAt).Seconds())
			containerUptime = &secs
		}
	}

	var usage store.UsageAggregates
	if s.store != nil {
		if agg, err := s.store.UsageAggregates(); err == nil {
			usage = agg
		}
	}

	writeJSON(w, http.StatusOK, monitorPayload{
		healthPayload:          health,
		CPU:                    snap.CPU,
		Memory:                 snap.Memory,
		Disk:                   snap.Disk,
		ContainerUptimeSeconds: containerUptime,
		Usage:                  usage,
	})
}
