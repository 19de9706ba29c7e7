// Command worker runs the extraction platform's worker fleet. It migrates
// the queue schema, admits workers against the capacity ceilings, serves the
// ops endpoints, and drives extraction and OCR across every configured
// environment until told to stop.
//
// Exit codes: 0 clean shutdown, 1 startup failure, 2 drain deadline abort.
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

	"github.com/quebecregistres/extracteur/internal/adapter/ai"
	"github.com/quebecregistres/extracteur/internal/adapter/ai/claude"
	"github.com/quebecregistres/extracteur/internal/adapter/ai/gemini"
	"github.com/quebecregistres/extracteur/internal/adapter/ai/stub"
	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/app"
	"github.com/quebecregistres/extracteur/internal/config"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/ocr"
	"github.com/quebecregistres/extracteur/internal/service/capacity"
	"github.com/quebecregistres/extracteur/internal/service/ratelimiter"
	"github.com/quebecregistres/extracteur/internal/worker"
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

	stores, err := app.BuildStores(ctx, cfg, true)
	if err != nil {
		slog.Error("store wiring failed", slog.Any("error", err))
		return 1
	}
	defer stores.Close()

	// Limiter and capacity state: shared through Redis when configured,
	// in-process otherwise.
	buckets := ratelimiter.DefaultBuckets(cfg.GeminiRPMLimit, cfg.GeminiTPMLimit,
		cfg.AnthropicRPMLimit, cfg.AnthropicOTPMLimit)
	limits := capacity.NewLimits(cfg.ServerMaxCPU, cfg.ServerMaxRAM,
		cfg.ServerReserveCPUPercent, cfg.ServerReserveRAMPercent)

	var limiter domain.RateLimiter
	var capman domain.CapacityManager
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			return 1
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()

		// The mirror table lives in the primary environment's database.
		primary := stores.Pools[stores.Gateway.Environments()[0]]
		lim := ratelimiter.NewRedisLuaLimiter(rdb, primary, buckets)
		if err := lim.WarmFromPostgres(ctx); err != nil {
			slog.Warn("limiter warm start failed", slog.Any("error", err))
		}
		limiter = lim
		capman = capacity.NewRedisCapacityManager(rdb, limits)
		slog.Info("shared limiter and capacity state", slog.String("mode", "redis"))
	} else {
		limiter = ratelimiter.NewLocalLimiter(buckets)
		capman = capacity.NewLocalCapacityManager(limits)
		slog.Info("standalone limiter and capacity state", slog.String("mode", "local"))
	}

	// Model bindings, each real client behind its provider's circuit
	// breaker; stubs keep dev and test deployments runnable without
	// upstream credentials.
	vision := ocr.VisionBinding{Model: stub.NewVision(), API: "gemini"}
	if cfg.GeminiAPIKey != "" {
		gbr := ai.NewBreaker("gemini")
		vision = ocr.VisionBinding{Model: gbr.Vision(gemini.New(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel)), API: "gemini"}
	} else {
		slog.Warn("no gemini api key, stub vision model wired")
	}

	boost := ocr.TextBinding{Model: stub.NewText(), API: "anthropic"}
	var consensus *ocr.VisionBinding
	if cfg.AnthropicAPIKey != "" {
		abr := ai.NewBreaker("anthropic")
		cl := claude.New(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		boost = ocr.TextBinding{Model: abr.Text(cl), API: "anthropic"}
		if cfg.GeminiAPIKey != "" {
			consensus = &ocr.VisionBinding{Model: abr.Vision(cl), API: "anthropic"}
		}
	} else {
		slog.Warn("no anthropic api key, stub boost model wired")
	}

	raster := ocr.NewPdftoppmRasterizer()
	retry := cfg.ModelRetryPolicy()
	procs := map[domain.Environment]worker.DocumentProcessor{}
	for env, blob := range stores.Blobs {
		procs[env] = ocr.New(ocr.Params{
			Store:           blob,
			Raster:          raster,
			Vision:          vision,
			Consensus:       consensus,
			Boost:           boost,
			Limiter:         limiter,
			Retry:           retry,
			RequireAllPages: cfg.OCRRequireAllPages,
		})
	}

	// Real site automations register here; the stub registry keeps the
	// platform end-to-end runnable without them.
	registry := app.BuildStubRegistry(stores.Blobs)
	slog.Info("extractors wired", slog.Any("kinds", registry.Kinds()))

	sup := app.NewSupervisor(app.SupervisorParams{
		Gateway:       stores.Gateway,
		Capacity:      capman,
		Extractors:    registry,
		OCR:           app.NewEnvProcessor(procs),
		OCRFlags:      stores.OCRFlags,
		Plan:          app.Plan{ExtractionWorkers: cfg.WorkerCount, OCRWorkers: cfg.OCRWorkerCount},
		PollInterval:  cfg.PollInterval(),
		DrainDeadline: cfg.ShutdownDeadline,
	})

	dbCheck, storeCheck := app.BuildReadinessChecks(stores.ReadinessTargets())
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:           app.BuildOpsRouter(sup.ReadyCheck, dbCheck, storeCheck),
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
	go func() { errCh <- sup.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		err = <-errCh
	case err = <-errCh:
	}

	switch {
	case err == nil:
		slog.Info("worker fleet stopped")
		return 0
	case errors.Is(err, app.ErrDrainDeadline):
		slog.Error("workers still busy past the drain deadline, aborting", slog.Any("error", err))
		return 2
	default:
		slog.Error("supervisor failed", slog.Any("error", err))
		return 1
	}
}
