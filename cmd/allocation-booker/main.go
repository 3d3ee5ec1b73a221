// Package main запускает сервис мониторинга и записи на приём по пособию.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/allocation-booker/internal/config"
	"github.com/mmeshcher/allocation-booker/internal/events"
	"github.com/mmeshcher/allocation-booker/internal/guard"
	"github.com/mmeshcher/allocation-booker/internal/handler"
	"github.com/mmeshcher/allocation-booker/internal/metrics"
	"github.com/mmeshcher/allocation-booker/internal/middleware"
	"github.com/mmeshcher/allocation-booker/internal/monitor"
	"github.com/mmeshcher/allocation-booker/internal/operation"
	"github.com/mmeshcher/allocation-booker/internal/repository"
	"github.com/mmeshcher/allocation-booker/internal/service"
	"github.com/mmeshcher/allocation-booker/internal/upstream"
)

const (
	eventBufferSize = 1024
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	repo, err := openRepository(cfg)
	if err != nil {
		sugar.Fatalw("storage initialization error", "error", err.Error())
	}

	m := metrics.New()

	backoff := upstream.NewBackoff(cfg.Settings.BackoffGeneral, cfg.Settings.Backoff429)
	client := upstream.NewClient(upstream.Options{
		BaseURL:           cfg.UpstreamBaseURL,
		SiteURL:           cfg.UpstreamSiteURL,
		Timeout:           cfg.Settings.RequestTimeout,
		RequestsPerSecond: cfg.Settings.UpstreamRPS,
		Observer:          m,
	}, backoff)

	runner := operation.New(client, cfg.CertificatesDir, logger)
	bus := events.NewBus(eventBufferSize, logger)

	svc := service.NewService(repo, runner, guard.New(), bus, logger)
	svc.SetObserver(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Load(ctx); err != nil {
		repo.Close()
		sugar.Fatalw("load members error", "error", err.Error())
	}

	mon := monitor.New(svc, client, bus, cfg.Settings, logger)
	svc.SetScheduler(mon)
	svc.OnSettings(func(s config.Settings) {
		client.SetTimeout(s.RequestTimeout)
		client.SetRequestsPerSecond(s.UpstreamRPS)
		backoff.SetInitial(s.BackoffGeneral, s.Backoff429)
	})
	if err := svc.UpdateSettings(cfg.Settings); err != nil {
		sugar.Fatalw("settings error", "error", err.Error())
	}

	m.RegisterRoster(svc.StatusCounts, mon.Running)

	auth := middleware.NewAuthMiddleware(cfg.APIToken)
	if !auth.Enabled() {
		sugar.Warn("API token is not set, control API is unauthenticated")
	}
	h := handler.NewHandler(svc, bus, m.Handler(), logger, auth)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		bus.Run(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting allocation booker", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Autostart {
		if err := svc.StartMonitoring(); err != nil {
			sugar.Warnw("monitoring autostart failed", "error", err.Error())
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("server shutdown error", "error", err.Error())
		}
		if err := svc.Close(shutdownTimeout); err != nil {
			return fmt.Errorf("service close error: %w", err)
		}
		sugar.Info("stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// openRepository выбирает PostgreSQL, если задан DATABASE_URI, иначе JSON-файл.
func openRepository(cfg *config.Config) (service.Repository, error) {
	if cfg.DatabaseURI != "" {
		return repository.NewPostgresRepository(cfg.DatabaseURI)
	}
	return repository.NewFileRepository(cfg.DataFile)
}
