package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stockflow/config"
	"stockflow/coordinator"
	"stockflow/dispatcher"
	"stockflow/internal/dedup"
	"stockflow/internal/metadata"
	"stockflow/internal/partition"
	"stockflow/internal/storage"
	"stockflow/logger"
	"stockflow/materializer"
	"stockflow/models"
	"stockflow/normalizer"
	"stockflow/source"
	"stockflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
	}).Info("starting stockflow")

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg)
	if err != nil {
		log.WithError(err).Error("failed to open object store")
		os.Exit(1)
	}

	batchGran, err := partition.ParseGranularity(cfg.Pipeline.BatchGranularity)
	if err != nil {
		log.WithError(err).Error("invalid batch granularity")
		os.Exit(1)
	}
	streamGran, err := partition.ParseGranularity(cfg.Pipeline.StreamGranularity)
	if err != nil {
		log.WithError(err).Error("invalid stream granularity")
		os.Exit(1)
	}

	batchIndex := dedup.NewIndex(store, cfg.Pipeline.CleanPath)
	streamIndex := dedup.NewIndex(store, cfg.Pipeline.StreamPath)

	cleanMeta := metadata.NewGenerator(store, cfg.Pipeline.CleanPath, "price_history")
	streamMeta := metadata.NewGenerator(store, cfg.Pipeline.StreamPath, "stream_history")
	latestMeta := metadata.NewGenerator(store, cfg.Pipeline.LatestPath, "latest_prices")
	for _, gen := range []*metadata.Generator{cleanMeta, streamMeta, latestMeta} {
		if err := gen.WriteCatalogEntry(ctx, cfg.Pipeline.CatalogPath); err != nil {
			log.WithError(err).Warn("failed to write catalog entry")
		}
	}

	batchWriter := writer.NewPartitionedWriter(store, batchIndex, cfg.Pipeline.CleanPath, batchGran, cfg.Writer.Compression).
		WithMetadata(cleanMeta)
	streamWriter := writer.NewPartitionedWriter(store, streamIndex, cfg.Pipeline.StreamPath, streamGran, cfg.Writer.Compression).
		WithMetadata(streamMeta)

	mat := materializer.New(store, cfg.Pipeline.LatestPath, cfg.Writer.Compression, cfg.Writer.MaxRetries, cfg.Writer.RetryBaseDelay).
		WithMetadata(latestMeta)

	norm := normalizer.New(cfg)
	coord := coordinator.New(cfg, norm, batchWriter, streamWriter, mat)

	rawChan := make(chan models.RawPayload, cfg.Pipeline.RawBuffer)

	disp := dispatcher.New(cfg, coord, rawChan)
	if err := disp.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	scanner := source.NewScanner(cfg, store, rawChan)
	if err := scanner.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start staging scanner")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping staging scanner")
		scanner.Stop()

		log.Info("stopping dispatcher")
		disp.Stop()

		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	processed, failed := disp.Stats()
	log.WithFields(logger.Fields{
		"cycles_processed": processed,
		"cycles_failed":    failed,
	}).Info("stockflow stopped")
}
