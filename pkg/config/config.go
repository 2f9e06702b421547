// Package config loads server configuration once at startup. The struct is
// immutable after Load and passed explicitly; nothing reads the environment
// after boot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backend selection.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Identity provider selection.
const (
	IdentityJWT    = "jwt"
	IdentityStatic = "static"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	StoreMode   string // postgres | sqlite | memory
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string // empty: in-process rate limiting

	IdentityMode        string            // jwt | static
	JWTSecret           string
	StaticTokens        map[string]string // static mode: token -> actor id
	SigningMasterSecret string
	MaintenanceSecret   string

	OTLPEndpoint     string
	TelemetryEnabled bool

	// Protocol windows and budgets. Overridable by a deployment profile.
	ConfirmTTL            time.Duration
	ReservationStaleAfter time.Duration
	LegacyProposalTTL     time.Duration
	DedupeTTL             time.Duration
	ReservationRetention  time.Duration
	ApprovalRetention     time.Duration
	DryRunPerMinute       int
	ConfirmPerMinute      int
	ExecutePerMinute      int
}

// Load reads configuration from environment variables, applying defaults.
// The signing master secret is mandatory: a gateway without one cannot issue
// or verify confirmations.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     envOr("PORT", "8080"),
		LogLevel: envOr("LOG_LEVEL", "INFO"),

		StoreMode:   envOr("STORE_MODE", StorePostgres),
		DatabaseURL: envOr("DATABASE_URL", "postgres://draftgate@localhost:5432/draftgate?sslmode=disable"),
		SQLitePath:  envOr("SQLITE_PATH", "draftgate.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		IdentityMode:        envOr("IDENTITY_MODE", IdentityJWT),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		StaticTokens:        parseStaticTokens(os.Getenv("STATIC_TOKENS")),
		SigningMasterSecret: os.Getenv("SIGNING_MASTER_SECRET"),
		MaintenanceSecret:   os.Getenv("MAINTENANCE_SECRET"),

		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",

		ConfirmTTL:            10 * time.Minute,
		ReservationStaleAfter: 10 * time.Minute,
		LegacyProposalTTL:     10 * time.Minute,
		DedupeTTL:             24 * time.Hour,
		ReservationRetention:  24 * time.Hour,
		ApprovalRetention:     7 * 24 * time.Hour,
		DryRunPerMinute:       envInt("DRY_RUN_PER_MINUTE", 60),
		ConfirmPerMinute:      envInt("CONFIRM_PER_MINUTE", 20),
		ExecutePerMinute:      envInt("EXECUTE_PER_MINUTE", 30),
	}

	if cfg.SigningMasterSecret == "" {
		return nil, fmt.Errorf("config: SIGNING_MASTER_SECRET is required")
	}
	if cfg.IdentityMode == IdentityJWT && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required when IDENTITY_MODE=jwt")
	}
	switch cfg.StoreMode {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return nil, fmt.Errorf("config: unknown STORE_MODE %q", cfg.StoreMode)
	}
	switch cfg.IdentityMode {
	case IdentityJWT, IdentityStatic:
	default:
		return nil, fmt.Errorf("config: unknown IDENTITY_MODE %q", cfg.IdentityMode)
	}

	if path := os.Getenv("DEPLOYMENT_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profile.Apply(cfg)
	}
	return cfg, nil
}

// parseStaticTokens parses comma-separated token=actor pairs used by the
// static identity mode in dev setups.
func parseStaticTokens(raw string) map[string]string {
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		if token, actor, ok := strings.Cut(pair, "="); ok {
			tokens[token] = actor
		}
	}
	return tokens
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
