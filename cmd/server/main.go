package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Int("max_violations", cfg.Proctor.MaxViolations).
		Dur("cooldown", cfg.Proctor.Cooldown).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	// ─── Initialize Metrics ────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	sessionRepo := repository.NewExamSessionRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(rdb, cfg.Proctor.SnapshotTTL)

	// ─── Start Dispatch Pool ───────────────────────────────────────────
	// Evidence uploads and audit deliveries run here, off the detection loop.
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	defer dispatchCancel()
	dispatchPool := worker.NewDispatchPool(dispatchCtx, cfg.EvidenceWorkers, cfg.EvidenceQueue, log)

	// ─── Initialize Services ──────────────────────────────────────────
	httpClient := &http.Client{Timeout: 10 * time.Second}
	authService := service.NewAuthService(cfg)
	evidenceService := service.NewEvidenceService(cfg, httpClient, log)
	auditService := service.NewAuditService(cfg, rdb, httpClient, log)
	sessionService := service.NewSessionService(
		snapshotRepo,
		sessionRepo,
		auditRepo,
		service.OptionsFromConfig(cfg.Proctor),
		proctor.Deps{
			Persister: snapshotRepo,
			Store:     evidenceService,
			Audit:     auditService,
			Dispatch:  dispatchPool,
			Log:       log,
		},
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS: handler.NewWSHandler(sessionService, handler.StreamConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			SourceTimeout:  cfg.Proctor.SourceTimeout,
			SampleInterval: cfg.Proctor.SampleInterval,
			MaxMessageSize: cfg.MaxUploadBytes * 2,
		}, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 2)

	violationWorker := worker.NewViolationWorker(pool, rdb, log)
	snapshotWorker := worker.NewSnapshotWorker(pool, rdb, log)

	go func() { violationWorker.Start(workerCtx); workersDone <- struct{}{} }()
	go func() { snapshotWorker.Start(workerCtx); workersDone <- struct{}{} }()

	// ─── Setup Router ──────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limiterStop := make(chan struct{})
	limiter.StartCleanup(limiterStop)
	defer close(limiterStop)

	r := router.SetupRouter(authService, handlers, limiter, reg, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop live sessions. Running snapshots stay resumable.
	sessionService.Shutdown()

	// 3. Flush pending evidence and audit jobs.
	dispatchShutdownCtx, dispatchShutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatchShutdownCancel()
	dispatchPool.Shutdown(dispatchShutdownCtx)

	// 4. Stop background workers and wait for queues to drain.
	workerCancel()
	for i := 0; i < 2; i++ {
		select {
		case <-workersDone:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Worker drain timed out")
			i = 2
		}
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
