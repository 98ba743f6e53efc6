package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/server"
	"PerpSettle/internal/validate"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const replayPageSize = 1000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement host",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg Config) error {
	log := observability.NewLogger("perpsettle")
	log.Info().Str("version", version).Msg("PerpSettle starting")

	if os.Getenv("GOGC") == "" {
		log.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return errors.Wrap(err, "postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "postgres ping")
	}
	healthChecker.AddCheck("postgres", db.PingContext)

	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, log.With().Str("component", "migrator").Logger()).Up(ctx)
	if err != nil {
		return errors.Wrap(err, "run migrations")
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	codec, err := persistence.NewSnapshotCodec()
	if err != nil {
		return err
	}
	snapMgr := persistence.NewSnapshotManager(db, codec)

	states, err := persistence.OpenStateStore(cfg.StateDir)
	if err != nil {
		return err
	}
	defer states.Close()

	// --- Core and recovery ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	deterministicCore := core.NewDeterministicCore(core.Options{
		DedupCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:     persistence.NewPostgresIdempotencyChecker(db),
		Validator:     validate.New(validate.Config{ProgramOwner: cfg.ExpectedOwner}),
		Metrics:       metrics,
		Log:           log.With().Str("component", "core").Logger(),
	}, persistChan, publishChan)

	if err := recoverCore(ctx, deterministicCore, snapMgr, states, log); err != nil {
		return err
	}
	if cfg.Bootstrap != nil {
		if err := bootstrapGroup(deterministicCore, cfg.Bootstrap, log); err != nil {
			return err
		}
	}
	runner := core.NewRunner(deterministicCore, cfg.RunnerQueueSize)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log.With().Str("component", "nats").Logger())
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return errors.Errorf("nats %s", nc.Status())
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return err
	}

	sinks := []ingestion.Sink{ingestion.NewNATSSink(js)}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, ingestion.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka sink enabled")
	}

	// Downstream workers outlive the core so they can drain what it committed.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	drain, drainCtx := errgroup.WithContext(drainCtx)

	persistWorker := persistence.NewPersistenceWorker(db, states, persistChan, persistence.WorkerConfig{
		BatchSize:    cfg.PersistBatchSize,
		FlushTimeout: cfg.PersistFlushTimeout,
	}, metrics, log.With().Str("component", "persistence").Logger())
	drain.Go(func() error { return persistWorker.Run(drainCtx) })

	publisher := ingestion.NewOutboundPublisher(publishChan, metrics, log.With().Str("component", "publisher").Logger(), sinks...)
	drain.Go(func() error { return publisher.Run(drainCtx) })

	// --- Core-facing goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(gctx) })

	inbound := make(chan ingestion.RawMessage, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, inbound, log.With().Str("component", "subscriber").Logger())
	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	dispatcher := ingestion.NewDispatcher(runner, metrics, log.With().Str("component", "dispatcher").Logger())
	g.Go(func() error { return dispatcher.Run(gctx, inbound) })

	svc := server.NewService(runner, time.Now, log.With().Str("component", "service").Logger())
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       svc,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           log.With().Str("component", "server").Logger(),
	})
	g.Go(func() error { return grpcServer.StartGRPC(gctx) })
	g.Go(func() error { return grpcServer.StartHTTPGateway(gctx) })
	g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg, log) })

	g.Go(func() error {
		runPeriodicSnapshots(gctx, runner, snapMgr, cfg.SnapshotInterval, metrics, log)
		return nil
	})
	g.Go(func() error {
		reportChannels(gctx, runner, persistChan, publishChan, inbound, metrics)
		return nil
	})

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("PerpSettle ready")

	err = g.Wait()
	healthChecker.SetReady(false)
	subscriber.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("service goroutine failed, shutting down")
	}

	// The runner has returned, so nothing sends on these any more.
	close(persistChan)
	close(publishChan)
	if derr := drain.Wait(); derr != nil {
		log.Error().Err(derr).Msg("drain failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := takeSnapshot(shutdownCtx, deterministicCore.CreateSnapshotState(), snapMgr, metrics, log); serr != nil {
		log.Error().Err(serr).Msg("final snapshot failed")
	}

	log.Info().Msg("PerpSettle shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recoverCore restores the latest verified snapshot and replays the log
// after it. The pebble store is only compared, never trusted.
func recoverCore(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, states *persistence.StateStore, log zerolog.Logger) error {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return err
		}
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	n, err := persistence.ReplayFrom(ctx, snapMgr, c, replayPageSize)
	if err != nil {
		return errors.Wrap(err, "replay")
	}
	log.Info().Int("replayed", n).Int64("next_sequence", c.GetSequence()).Msg("settle log replayed")

	seq, hash, err := states.Sequence()
	switch {
	case errors.Is(err, persistence.ErrStateNotFound):
	case err != nil:
		log.Warn().Err(err).Msg("read state store")
	case seq != c.GetSequence()-1 || hash != c.GetStateHash():
		log.Warn().
			Int64("store_sequence", seq).
			Int64("core_sequence", c.GetSequence()-1).
			Msg("state store behind the settle log; it catches up on the next commits")
	}
	return nil
}

// bootstrapGroup runs before the runner starts, so it owns the core.
func bootstrapGroup(c *core.DeterministicCore, b *BootstrapConfig, log zerolog.Logger) error {
	if _, err := c.World().Group(b.Group); err == nil {
		return nil
	}
	_, err := c.Execute(&core.RegisterGroup{
		CallHeader: core.CallHeader{CallID: "bootstrap:" + b.Group.String(), Timestamp: time.Now().UnixMicro()},
		Group:      b.Group,
		Admin:      b.Admin,
		Name:       b.Name,
		Testing:    b.Testing,
	})
	if err != nil {
		return errors.Wrap(err, "bootstrap group")
	}
	log.Info().Str("group", b.Group.String()).Bool("testing", b.Testing).Msg("bootstrap group registered")
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}

func reportChannels(
	ctx context.Context,
	runner *core.Runner,
	persistChan, publishChan chan core.CoreOutput,
	inbound chan ingestion.RawMessage,
	metrics *observability.Metrics,
) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, capacity := runner.Backlog()
			metrics.SetChannelMetrics("runner", size, capacity)
			metrics.SetChannelMetrics("persist", len(persistChan), cap(persistChan))
			metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
			metrics.SetChannelMetrics("inbound", len(inbound), cap(inbound))
		}
	}
}
