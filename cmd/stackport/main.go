package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackport/stackport/internal/app/migrate"
	"github.com/stackport/stackport/internal/build"
	"github.com/stackport/stackport/internal/events"
	"github.com/stackport/stackport/internal/httpx"
	"github.com/stackport/stackport/internal/orchestrator"
	"github.com/stackport/stackport/internal/provider"
	"github.com/stackport/stackport/internal/provider/netlify"
	"github.com/stackport/stackport/internal/provider/render"
	"github.com/stackport/stackport/internal/provider/vercel"
	"github.com/stackport/stackport/internal/repository/postgres"
	"github.com/stackport/stackport/internal/webhook"
	"github.com/stackport/stackport/internal/ws"
	"github.com/stackport/stackport/pkg/config"
	"github.com/stackport/stackport/pkg/logger"
)

func main() {
	config.LoadDotenv("")
	cfg := config.Load()
	log := logger.New("stackport", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	defer hub.Shutdown()

	registry := provider.NewRegistry()
	retry := provider.RetryPolicy{Attempts: uint64(cfg.RetryAttempts), BaseDelay: cfg.RetryBaseDelay}
	if cfg.VercelToken != "" {
		registry.Register(vercel.New(cfg.VercelAPIBase, cfg.VercelToken, []byte(cfg.VercelSecret), cfg.ProviderTimeout, retry))
	}
	if cfg.NetlifyToken != "" {
		registry.Register(netlify.New(cfg.NetlifyAPIBase, cfg.NetlifyToken, []byte(cfg.NetlifySecret), cfg.ProviderTimeout, retry))
	}
	if cfg.RenderToken != "" {
		registry.Register(render.New(cfg.RenderAPIBase, cfg.RenderToken, []byte(cfg.RenderSecret), cfg.ProviderTimeout, retry))
	}
	log.Info("provider registry ready", "providers", registry.Names())

	workspace, err := build.NewWorkspace(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare build workspace", "error", err)
		os.Exit(1)
	}
	pipeline := build.NewPipeline(repo, repo, workspace, ws.NewLogSink(hub), log, build.Config{
		GitTimeout:     cfg.GitTimeout,
		InstallTimeout: cfg.InstallTimeout,
		BuildTimeout:   cfg.BuildTimeout,
	})

	emitter := events.NewMetricsEmitter(events.NewLogEmitter(log))
	audit := events.NewLogAuditSink(log)

	orchSvc := orchestrator.New(repo, repo, repo, registry, pipeline, emitter, audit, log, orchestrator.Config{
		BuildTimeout: cfg.BuildTimeout,
		PollEvery:    cfg.BuildPollEvery,
		DeployingTTL: cfg.DeployingTTL,
		SweepEvery:   cfg.SweepEvery,
	})
	go orchSvc.RunSweeper(ctx)

	accountSvc := orchestrator.NewAccountService(repo, registry, audit, cfg.SecretKey)
	webhookSvc := webhook.New(repo, orchSvc, registry, audit, log, cfg.SecretKey, []byte(cfg.GitWebhookSecret))

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, orchSvc, pipeline, accountSvc, webhookSvc, repo, repo, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		orchSvc.Wait()
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
