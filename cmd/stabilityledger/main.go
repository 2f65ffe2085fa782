package main

import (
	"StabilityLedger/internal/config"
	"StabilityLedger/internal/core"
	"StabilityLedger/internal/event"
	"StabilityLedger/internal/ingestion"
	"StabilityLedger/internal/observability"
	"StabilityLedger/internal/persistence"
	"StabilityLedger/internal/projection"
	"StabilityLedger/internal/query"
	"StabilityLedger/internal/server"
	"StabilityLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", envOrDefault("STABILITY_CONFIG", "stability.toml"), "path to the TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.ConfigureLogging(observability.LogConfig{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer observability.CloseLogging()

	logger := observability.NewLogger("main")
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("StabilityLedger exited with error")
		observability.CloseLogging()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("StabilityLedger starting")
	startTime := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, migrations.FS)
	if cfg.Database.MigrationsDir != "" {
		migrator = persistence.NewDirMigrator(db, cfg.Database.MigrationsDir)
	}
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("postgres", db.PingContext)

	// --- Deterministic core ---
	persistChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	snapMgr := persistence.NewSnapshotManager(db)

	deterministicCore := core.NewDeterministicCore(0, persistChan, projectionChan, dbChecker, metrics,
		core.WithLRUCapacity(cfg.Core.IdempotencyLRU),
		core.WithGlobalCheckInterval(cfg.Core.GlobalCheckInterval),
		core.WithLogger(observability.NewLogger("core")),
	)

	// --- Recovery: snapshot + replay ---
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		cs, err := snap.CoreState()
		if err != nil {
			return err
		}
		if err := deterministicCore.RestoreFromSnapshot(cs); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("no verified snapshot, cold start from sequence 0")
		keys, err := dbChecker.RecentKeys(ctx, cfg.Core.IdempotencyLRU)
		if err != nil {
			logger.Warn().Err(err).Msg("could not warm idempotency cache")
		}
		deterministicCore.WarmLRU(keys)
	}

	replayStart := time.Now()
	replayed, err := replayEventLog(ctx, snapMgr, deterministicCore)
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	metrics.ReplayDuration.Set(time.Since(replayStart).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", deterministicCore.GetSequence()).
		Hex("state_hash", hashBytes(deterministicCore.GetStateHash())).
		Msg("state recovered")

	// Workers outlive the core loop so they can drain its last outputs.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	errChan := make(chan error, 10)
	report := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		select {
		case errChan <- err:
		default:
		}
	}

	// --- NATS ---
	var (
		natsEvents  chan event.Event
		publishChan chan ingestion.PublishableEvent
		subscriber  *ingestion.NATSSubscriber
	)
	if !cfg.NATS.Disabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.RegisterCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return err
		}

		rawEvents := make(chan ingestion.RawEvent, 4096)
		natsEvents = make(chan event.Event, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawEvents)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		go parseStreamEvents(ctx, rawEvents, natsEvents, metrics)

		publishChan = make(chan ingestion.PublishableEvent, 4096)
		publisher := ingestion.NewOutboundPublisher(js, publishChan)
		go func() { report(publisher.Run(workerCtx)) }()
	} else {
		logger.Warn().Msg("NATS disabled, accepting API events only")
	}

	// --- Persistence + projections ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Core.PersistBatchSize, cfg.Core.PersistFlushTimeout, metrics)
	if publishChan != nil {
		persistWorker.WithPublisher(publishChan)
	}
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		report(persistWorker.Run(workerCtx))
	}()

	offsets := projection.NewOffsetHistory(cfg.Core.OffsetHistory)
	projWorker := projection.NewProjectionWorker(db, projectionChan, offsets, metrics)
	go func() { report(projWorker.Run(workerCtx)) }()

	// --- Core loop ---
	apiEvents := make(chan ingestion.Submission, 1024)
	runner := newCoreRunner(deterministicCore, snapMgr, natsEvents, apiEvents, metrics)
	go runner.Run(ctx)
	go runner.runPeriodicSnapshots(ctx, cfg.Snapshot.Interval, cfg.Snapshot.CheckInterval)
	go reportChannels(ctx, metrics, persistChan, projectionChan)

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  query.NewQueryService(db, offsets),
		IngestService: ingestion.NewGRPCIngestService(apiEvents),
		SnapshotMgr:   snapMgr,
		Snapshots:     runner,
		StartTime:     startTime,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	})
	go func() { report(grpcServer.StartGRPC(ctx)) }()
	go func() { report(grpcServer.StartHTTPGateway(ctx)) }()
	go func() { report(serveMetrics(ctx, cfg.Server.MetricsAddr, logger)) }()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("StabilityLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	<-runner.stopped

	// The core is idle now. Let persistence drain what it emitted.
	close(persistChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if deterministicCore.GetSequence() > 0 {
		if _, _, err := runner.TakeSnapshot(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		}
	}

	stopWorkers()
	logger.Info().Msg("StabilityLedger shutdown complete")
	return runErr
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// reportChannels samples channel depth for the backpressure gauges.
func reportChannels(ctx context.Context, metrics *observability.Metrics, persist, projection chan core.CoreOutput) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetChannelMetrics("persist", len(persist), cap(persist))
			metrics.SetChannelMetrics("projection", len(projection), cap(projection))
		}
	}
}

func hashBytes(h [32]byte) []byte {
	return h[:]
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
