package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/importflow/internal/archive"
	"github.com/JonMunkholm/importflow/internal/broadcast"
	"github.com/JonMunkholm/importflow/internal/config"
	"github.com/JonMunkholm/importflow/internal/lifecycle"
	"github.com/JonMunkholm/importflow/internal/logging"
	"github.com/JonMunkholm/importflow/internal/recovery"
	"github.com/JonMunkholm/importflow/internal/rules"
	"github.com/JonMunkholm/importflow/internal/session"
	"github.com/JonMunkholm/importflow/internal/web"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env if present (Overload overwrites existing env vars).
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"max_sessions", cfg.Session.MaxSessions,
		"max_records", cfg.Session.MaxRecords,
		"max_upload_bytes", cfg.Upload.MaxBytes,
		"session_ttl", cfg.Session.TTL,
		"archive_enabled", cfg.Database.URL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := session.NewStore(session.Config{
		MaxSessions:          cfg.Session.MaxSessions,
		MaxRecordsPerSession: cfg.Session.MaxRecords,
		TTL:                  cfg.Session.TTL,
		TombstoneTTL:         cfg.Session.TombstoneTTL,
	}, rules.Default())

	hub := broadcast.NewHub(broadcast.Config{
		BufferSize:        cfg.Broadcast.BufferSize,
		MaxPerSession:     cfg.Broadcast.MaxConnsPerSession,
		HeartbeatInterval: cfg.Broadcast.HeartbeatInterval,
		MissedHeartbeats:  cfg.Broadcast.MissedHeartbeats,
	})
	go hub.Run(ctx)

	var archiver lifecycle.Archiver
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			slog.Error("failed to create connection pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		ar := archive.New(pool)
		if err := ar.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare archive schema", "error", err)
			os.Exit(1)
		}
		archiver = ar
		slog.Info("session archive enabled")
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		SweepInterval: cfg.Session.SweepInterval,
		WarnAhead:     cfg.Session.ExpiryWarning,
	}, store, hub, archiver)
	go manager.Run(ctx)

	ctrl := recovery.New(store, hub, 0)
	server := web.NewServer(cfg, ctrl, store, hub, manager)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
