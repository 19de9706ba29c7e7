// Command monitor runs the health loop: it repairs stalled jobs, evicts dead
// workers, and publishes fleet snapshots. One instance watches every
// configured environment; it never claims work and never migrates schemas.
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

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/app"
	"github.com/quebecregistres/extracteur/internal/config"
	"github.com/quebecregistres/extracteur/internal/monitor"
	"github.com/quebecregistres/extracteur/internal/service/capacity"
)

func main() { os.Exit(run()) }

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The supervisor owns migrations; the monitor connects to whatever
	// schema is there.
	stores, err := app.BuildStores(ctx, cfg, false)
	if err != nil {
		slog.Error("store wiring failed", slog.Any("error", err))
		return 1
	}
	defer stores.Close()

	params := monitor.Params{
		Gateway:         stores.Gateway,
		Tick:            cfg.MonitorTick(),
		SnapshotEvery:   cfg.MonitorSnapshotEvery(),
		StalledAfter:    cfg.StaleJobThreshold(),
		OCRStalledAfter: cfg.OCRStaleJobThreshold(),
		DeadAfter:       cfg.DeadWorkerThreshold(),
	}

	// Capacity state is only visible to the monitor when it is shared
	// through Redis; a local manager's ledger dies with its process.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			return 1
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()

		limits := capacity.NewLimits(cfg.ServerMaxCPU, cfg.ServerMaxRAM,
			cfg.ServerReserveCPUPercent, cfg.ServerReserveRAMPercent)
		capman := capacity.NewRedisCapacityManager(rdb, limits)
		params.Capacity = capman
		params.Usage = capman
		slog.Info("capacity reclamation wired", slog.String("mode", "redis"))
	}

	mon := monitor.New(params)

	dbCheck, _ := app.BuildReadinessChecks(stores.ReadinessTargets())
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           app.BuildOpsRouter(dbCheck),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ops server starting", slog.Int("port", cfg.OpsPort))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = opsSrv.Shutdown(shutdownCtx)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- mon.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil {
		slog.Error("monitor failed", slog.Any("error", err))
		return 1
	}
	slog.Info("monitor stopped")
	return 0
}
