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

	"teamdash/api/internal/app"
	"teamdash/api/internal/codec"
	"teamdash/api/internal/config"
	"teamdash/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	ctx := context.Background()

	kv, err := openKV(ctx, cfg, logger)
	if err != nil {
		logger.Error("store connection failed", "kv", cfg.KV, "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	sections := store.NewSections(kv, codec.DefaultSections().WithLogger(logger),
		store.WithDeltaWindow(cfg.DeltaWindow),
		store.WithLogRetention(cfg.LogRetention),
		store.WithLogger(logger),
	)
	service := app.New(cfg, sections, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("teamdash API listening", "addr", cfg.Addr, "kv", cfg.KV)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

func openKV(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.KV, error) {
	switch cfg.KV {
	case config.KVRedis:
		return store.NewRedisKV(cfg.RedisURL, cfg.RedisPrefix)
	case config.KVPostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
		return store.NewPostgresKV(db), nil
	case config.KVMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown TEAMDASH_KV %q", cfg.KV)
	}
}
