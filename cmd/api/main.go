package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"erpsync/internal/api"
	"erpsync/internal/api/scheduler"
	"erpsync/internal/app"
	"erpsync/internal/config"
	"erpsync/internal/pkg/logger"
	"erpsync/internal/pkg/notify"
)

// main runs the operator API, the manual-run workers and the nightly
// scheduler in one process.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("init app failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	a.Queue.Start(ctx)

	checks := map[string]api.HealthCheck{"mysql": a.Store.Ping}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	srv := api.NewServer(appLogger, cfg.Security.JWTSecret, a.Service, a.Tracker, checks)
	srv.SetQueue(a.Queue)
	srv.StartJanitor(ctx, cfg.App.JanitorInterval)

	var sched *scheduler.Scheduler
	if cfg.Nightly.Enabled {
		types, err := a.NightlyTypes()
		if err != nil {
			appLogger.Warn("ignoring invalid nightly types", slog.String("error", err.Error()))
		}
		sched = scheduler.New(a.Service, notify.NewEmailNotifier(&cfg.Email, appLogger), appLogger, cfg.Nightly.Hour, cfg.Nightly.Minute, types)
		sched.Start(ctx)
	} else {
		appLogger.Info("nightly sync disabled")
	}

	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}
	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	// runs stop at their next batch boundary; wait for them before closing
	// the stores they write to
	if sched != nil {
		sched.Stop()
	}
	if err := a.Queue.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("queue shutdown timeout", slog.String("error", err.Error()))
	}
	if err := a.Close(); err != nil {
		appLogger.Error("close resources failed", slog.String("error", err.Error()))
	}
}
