// Command draftgate runs the mutation gateway server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/workweave/draftgate/pkg/agent"
	"github.com/workweave/draftgate/pkg/api"
	"github.com/workweave/draftgate/pkg/audit"
	"github.com/workweave/draftgate/pkg/confirmation"
	"github.com/workweave/draftgate/pkg/config"
	"github.com/workweave/draftgate/pkg/dedupe"
	"github.com/workweave/draftgate/pkg/gateway"
	"github.com/workweave/draftgate/pkg/identity"
	"github.com/workweave/draftgate/pkg/meaning"
	"github.com/workweave/draftgate/pkg/membership"
	"github.com/workweave/draftgate/pkg/observability"
	"github.com/workweave/draftgate/pkg/policy"
	"github.com/workweave/draftgate/pkg/ratelimit"
	"github.com/workweave/draftgate/pkg/reservation"
	"github.com/workweave/draftgate/pkg/signing"
	"github.com/workweave/draftgate/pkg/store"

	_ "github.com/lib/pq"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "draftgate",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.TelemetryEnabled,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	deps, db, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	gw := gateway.New(gateway.Config{
		ConfirmTTL:            cfg.ConfirmTTL,
		ReservationStaleAfter: cfg.ReservationStaleAfter,
		LegacyProposalTTL:     cfg.LegacyProposalTTL,
		DedupeTTL:             cfg.DedupeTTL,
		ReservationRetention:  cfg.ReservationRetention,
		ApprovalRetention:     cfg.ApprovalRetention,
		DryRunPerMinute:       cfg.DryRunPerMinute,
		ConfirmPerMinute:      cfg.ConfirmPerMinute,
		ExecutePerMinute:      cfg.ExecutePerMinute,
	}, deps)

	provider, err := buildIdentity(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(gw, provider, cfg.MaintenanceSecret, slog.Default()).
		WithDecisionRecorder(obs)
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      obs.HTTPMiddleware(server.Handler()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "port", cfg.Port, "store", cfg.StoreMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildDeps opens the selected backend and wires every store. The returned
// *sql.DB is nil in memory mode.
func buildDeps(ctx context.Context, cfg *config.Config) (gateway.Deps, *sql.DB, error) {
	gate, err := policy.NewGate()
	if err != nil {
		return gateway.Deps{}, nil, err
	}
	taskSet, err := agent.NewTaskSetAdapter()
	if err != nil {
		return gateway.Deps{}, nil, err
	}
	goalPlan, err := agent.NewGoalPlanAdapter()
	if err != nil {
		return gateway.Deps{}, nil, err
	}

	deps := gateway.Deps{
		Signer:   signing.New([]byte(cfg.SigningMasterSecret)),
		Gate:     gate,
		Registry: agent.NewRegistry(taskSet, goalPlan),
		Logger:   slog.Default(),
	}

	if cfg.RedisAddr != "" {
		deps.Limiter = ratelimit.NewRedisLimiter(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		deps.Limiter = ratelimit.NewMemoryLimiter()
	}

	var db *sql.DB
	switch cfg.StoreMode {
	case config.StorePostgres:
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return gateway.Deps{}, nil, err
		}
	case config.StoreSQLite:
		db, err = store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return gateway.Deps{}, nil, err
		}
	case config.StoreMemory:
		deps.Roles = membership.NewMemoryResolver()
		deps.Meanings = meaning.NewMemoryStore()
		deps.Confirmations = confirmation.NewMemoryStore()
		deps.Reservations = reservation.NewMemoryStore()
		deps.Policies = policy.NewMemoryStore()
		deps.Atomic = store.NewMemoryStore()
		deps.Auditor = audit.NewMemoryLogger()
		deps.Emitter = audit.NewMemoryEmitter()
		deps.Dedupe = dedupe.NewMemoryStore()
		return deps, nil, nil
	}

	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return gateway.Deps{}, nil, err
	}

	deps.Roles = membership.NewPostgresResolver(db)
	deps.Meanings = meaning.NewPostgresStore(db)
	deps.Confirmations = confirmation.NewPostgresStore(db)
	deps.Reservations = reservation.NewPostgresStore(db)
	deps.Policies = policy.NewPostgresStore(db)
	deps.Atomic = store.NewSQLStore(db)
	deps.Auditor = audit.NewStoreLogger(db)
	deps.Emitter = audit.NewStoreEmitter(db)
	deps.Dedupe = dedupe.NewPostgresStore(db)
	return deps, db, nil
}

func buildIdentity(cfg *config.Config) (identity.Provider, error) {
	switch cfg.IdentityMode {
	case config.IdentityStatic:
		return identity.NewStaticProvider(cfg.StaticTokens), nil
	default:
		return identity.NewJWTProvider([]byte(cfg.JWTSecret), "", ""), nil
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
