package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"glimpse-dash/internal/client"
	"glimpse-dash/internal/config"
	"glimpse-dash/internal/store"
	"glimpse-dash/internal/stream"
	"glimpse-dash/internal/telemetry"
)

// App is the headless dashboard: one streaming client plus the thin
// presentation pieces that read it.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	client  *client.Client
	metrics *telemetry.Metrics
	health  *HealthStatus

	probeAddr atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	dialer, err := stream.NewDialerFromConfig(cfg, tlsCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream dialer: %w", err)
	}
	return NewWithDialer(cfg, dialer, logger), nil
}

func NewWithDialer(cfg config.Config, dialer stream.Dialer, logger *slog.Logger) *App {
	mode := store.ModeReplace
	if cfg.SeriesMode == config.SeriesModeAppend {
		mode = store.ModeAppend
	}
	metrics := telemetry.New()
	return &App{
		cfg:     cfg,
		logger:  logger,
		client:  client.New(dialer, mode, cfg.SeriesLimit, metrics, logger),
		metrics: metrics,
		health:  NewHealthStatus(),
	}
}

func (a *App) Client() *client.Client {
	return a.client
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting glimpse", "client_id", a.cfg.ClientID, "stream_mode", a.cfg.StreamMode, "endpoint", a.cfg.Endpoint(), "version", a.cfg.Version)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", a.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", a.cfg.ShutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("glimpse stopped")
	return nil
}

func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
