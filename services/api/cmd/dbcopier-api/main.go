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

	"dbcopier/pkg/bus"
	"dbcopier/pkg/config"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/db"
	dbs3 "dbcopier/pkg/s3"
	"dbcopier/pkg/telemetry"
	"dbcopier/services/api"
	"dbcopier/services/copier"
	"dbcopier/services/store"
)

func main() {
	if err := run("dbcopier-api"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

// schemaLinks pairs the archive key layout with the bucket that presigns it.
type schemaLinks struct {
	*copier.S3Archiver
	*dbs3.Client
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

	deps := api.Deps{
		Store:       st,
		Keys:        st,
		Queue:       queue,
		Connections: registry,
		Logger:      logger,
	}
	if cfg.Archive.Enabled() {
		opts := dbs3.OptionsFromEnv()
		opts.Bucket = cfg.Archive.Bucket
		objects, err := dbs3.NewClient(ctx, opts)
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		archiver, err := copier.NewS3Archiver(objects, cfg.Archive.AgeRecipient)
		if err != nil {
			return err
		}
		deps.Schemas = schemaLinks{S3Archiver: archiver, Client: objects}
	}

	a, err := api.New(deps, api.Config{
		DefaultThreads: cfg.DefaultThreads,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := a.Routes()
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           telemetry.Middleware(serviceName, logger)(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
