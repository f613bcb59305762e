// Package config provides configuration loading for the gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the gateway.
type Config struct {
	// Core secrets
	AppSecret     string // signs session cookies and WS tickets, >=32 chars
	EncryptionKey []byte // 32 raw bytes, decoded from a 64-hex-char env var

	// Identity provider (single allow-listed identity)
	IdentityClientID     string
	IdentityClientSecret string
	IdentityIssuerURL    string
	AllowedIdentity      string

	// Public-facing
	PublicURL string
	Port      int

	// Agent / sandbox
	WrapperPath          string
	SandboxContainerName string
	SandboxImage         string

	// Storage
	DBPath string

	// WebSocket
	WSPath          string
	WSPingInterval  time.Duration
	WSTicketWindow  time.Duration
	IdleSuspendWait time.Duration

	// Permission round-trip
	PermissionTimeout time.Duration
}

// Load reads configuration from the environment, optionally seeded by a
// ".env" file in the working directory. Every required variable that is
// missing or invalid is collected before failing, so a single run reports
// every problem at once rather than one at a time.
func Load() (*Config, error) {
	// Best-effort local convenience; never overrides an already-exported var.
	_ = godotenv.Load()

	var problems []string

	appSecret := os.Getenv("APP_SECRET")
	if len(appSecret) < 32 {
		problems = append(problems, "APP_SECRET (must be set, >= 32 characters)")
	}

	encKeyHex := os.Getenv("ENCRYPTION_KEY")
	encKey, encErr := decodeHexKey(encKeyHex)
	if encErr != nil {
		problems = append(problems, "ENCRYPTION_KEY (must be 64 hex characters / 32 bytes)")
	}

	identityClientID := os.Getenv("IDENTITY_CLIENT_ID")
	if identityClientID == "" {
		problems = append(problems, "IDENTITY_CLIENT_ID")
	}

	identityClientSecret := os.Getenv("IDENTITY_CLIENT_SECRET")
	if identityClientSecret == "" {
		problems = append(problems, "IDENTITY_CLIENT_SECRET")
	}

	allowedIdentity := os.Getenv("ALLOWED_IDENTITY")
	if allowedIdentity == "" {
		problems = append(problems, "ALLOWED_IDENTITY")
	}

	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" {
		problems = append(problems, "PUBLIC_URL")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("missing or invalid required configuration: %s", strings.Join(problems, ", "))
	}

	cfg := &Config{
		AppSecret:            appSecret,
		EncryptionKey:        encKey,
		IdentityClientID:     identityClientID,
		IdentityClientSecret: identityClientSecret,
		IdentityIssuerURL:    getEnv("IDENTITY_ISSUER_URL", ""),
		AllowedIdentity:      allowedIdentity,
		PublicURL:            publicURL,
		Port:                 getEnvInt("PORT", 3000),
		WrapperPath:          getEnv("WRAPPER_PATH", "./wrapper.sh"),
		SandboxContainerName: getEnv("SANDBOX_CONTAINER_NAME", "agent-gateway-sandbox"),
		SandboxImage:         getEnv("SANDBOX_IMAGE", "agent-gateway-sandbox:latest"),
		DBPath:               getEnv("DB_PATH", "./data/gateway.db"),
		WSPath:               getEnv("WS_PATH", "/ws"),
		WSPingInterval:       getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
		WSTicketWindow:       getEnvDuration("WS_TICKET_WINDOW", 30*time.Second),
		IdleSuspendWait:      getEnvDuration("IDLE_SUSPEND_WAIT", 10*time.Minute),
		PermissionTimeout:    getEnvDuration("PERMISSION_TIMEOUT", 5*time.Minute),
	}

	return cfg, nil
}

func decodeHexKey(s string) ([]byte, error) {
	if len(s) != 64 {
		return nil, fmt.Errorf("encryption key must be 64 hex characters, got %d", len(s))
	}
	b := make([]byte, 32)
	for i := 0; i < 32; i++ {
		hi, err := hexDigit(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[i*2+1])
		if err != nil {
			return nil, err
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
