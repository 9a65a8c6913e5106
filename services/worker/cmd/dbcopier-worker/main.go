package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/catalog"
	"dbcopier/pkg/config"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/db"
	dbs3 "dbcopier/pkg/s3"
	"dbcopier/pkg/telemetry"
	"dbcopier/pkg/toolexec"
	"dbcopier/services/copier"
	"dbcopier/services/runs"
	"dbcopier/services/store"
	"dbcopier/services/webhook"
	"dbcopier/services/worker"
)

func main() {
	if err := run("dbcopier-worker"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stderr)

	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	metrics, err := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, closeStore, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := db.Migrate(ctx, st.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	registry, err := connections.LoadFile(cfg.ConnectionsFile)
	if err != nil {
		return err
	}

	queue, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer queue.Close()
	if err := queue.EnsureStreams(); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	mysql := catalog.NewMySQL()
	defer func() { _ = mysql.Close() }()

	runSvc, err := runs.New(runs.Deps{
		Store:       st,
		Queue:       queue,
		Connections: registry,
		Catalog:     mysql,
		Events:      queue,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init run service: %w", err)
	}

	deps := copier.Deps{
		Store:    st,
		Registry: registry,
		Catalog:  mysql,
		Invoker:  toolexec.Exec{},
		Notifier: webhook.New(cfg.WebhookSecret, webhook.WithLogger(logger), webhook.WithMetrics(metrics)),
		Runs:     runSvc,
		Events:   queue,
		Provisioner: copier.NewCloudProvisioner(cfg.Cloud.BaseURL, cfg.Cloud.APIToken, registry,
			&http.Client{Timeout: cfg.Cloud.RequestLimit}, cfg.Cloud.SettleDelay),
		Logger:  logger.With().Str("component", "copier").Logger(),
		Metrics: metrics,
	}
	if cfg.Archive.Enabled() {
		archiver, err := newArchiver(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		deps.Archiver = archiver
	}

	orchestrator, err := copier.New(deps, copier.Config{
		ScratchDir:     cfg.ScratchDir,
		ExcludedTable:  cfg.ExcludedTable,
		DefaultThreads: cfg.DefaultThreads,
		Tools: copier.Tools{
			MySQLDump: cfg.Tools.MySQLDump,
			MyDumper:  cfg.Tools.MyDumper,
			MySQL:     cfg.Tools.MySQL,
		},
	})
	if err != nil {
		return fmt.Errorf("init copier: %w", err)
	}

	handler, err := worker.NewHandler(orchestrator, runSvc, logger, metrics)
	if err != nil {
		return err
	}

	metricsServer := serveMetrics(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("workers", cfg.Workers).Strs("connections", registry.Names()).Msg("consuming tasks")
	err = queue.Consume(ctx, bus.ConsumerConfig{Workers: cfg.Workers, AckWait: cfg.AckWait}, handler)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume: %w", err)
	}
	return nil
}

func newArchiver(ctx context.Context, cfg config.Archive) (*copier.S3Archiver, error) {
	opts := dbs3.OptionsFromEnv()
	opts.Bucket = cfg.Bucket
	objects, err := dbs3.NewClient(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return copier.NewS3Archiver(objects, cfg.AgeRecipient)
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()
	return server
}
