package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradecore/internal/app"
	"tradecore/internal/infra"

	_ "net/http/pprof"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		slog.Error("Failed to load config", slog.Any("error", err))
		return 1
	}

	logger, syncLogs := infra.NewLogger(cfg)
	defer syncLogs()
	slog.SetDefault(logger)
	infra.PrintBanner(os.Stdout, cfg)

	// pprof stays on localhost
	go func() {
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			logger.Warn("Pprof server failed", slog.Any("error", err))
		}
	}()

	bootstrap := app.NewBootstrap(cfg, logger)
	if err := bootstrap.Initialize(); err != nil {
		logger.Error("Bootstrapping failed", slog.Any("error", err))
		return 1
	}
	defer bootstrap.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(bootstrap.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics server started", slog.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("System operational. Press Ctrl+C to exit.")
	err = bootstrap.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	if err != nil {
		logger.Error("Engine stopped with error", slog.Any("error", err))
		return 1
	}
	logger.Info("Shut down gracefully")
	return 0
}
