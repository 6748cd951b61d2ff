// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/adrper79-dot/CallMonitor-sub015/internal/blobstore"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/config"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/delivery"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/evidence"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/logging"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/persistence/postgres"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/queue"
	"github.com/adrper79-dot/CallMonitor-sub015/internal/repository"
	httptransport "github.com/adrper79-dot/CallMonitor-sub015/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	} else if err := postgres.SchemaReady(ctx, pool); err != nil {
		log.Fatalf("schema not ready: %v", err)
	}

	store, err := newBlobStore(ctx, cfg.Blobstore)
	if err != nil {
		log.Fatalf("blobstore init failed: %v", err)
	}

	publisher, err := queue.NewPublisher(queue.Config{
		Driver:  cfg.Queue.Driver,
		Brokers: cfg.Queue.Brokers,
		Topic:   cfg.Queue.Topic,
	})
	if err != nil {
		log.Fatalf("queue init failed: %v", err)
	}
	defer publisher.Close()

	auditRepo := repository.NewAuditRepository(pool, logger)
	provenanceRepo := repository.NewProvenanceRepository(pool, logger)
	conversationRepo := repository.NewConversationRepository(pool, auditRepo, logger)
	artifactRepo := repository.NewArtifactRepository(pool, auditRepo, provenanceRepo, logger)
	bundleRepo := repository.NewBundleRepository(pool, auditRepo, logger)
	targetRepo := repository.NewTargetRepository(pool, auditRepo, logger)
	deliveryRepo := repository.NewDeliveryRepository(pool, auditRepo, logger)

	builder := evidence.NewBuilder(conversationRepo, artifactRepo, provenanceRepo, auditRepo, bundleRepo, store, logger)
	notifier := delivery.NewNotifier(targetRepo, deliveryRepo, publisher, cfg.Queue.Topic, cfg.Delivery.MaxAttempts, logger)

	handler := httptransport.NewRouter(httptransport.Deps{
		Conversations:     conversationRepo,
		Artifacts:         artifactRepo,
		Provenance:        provenanceRepo,
		Audit:             auditRepo,
		Bundles:           bundleRepo,
		Builder:           builder,
		Targets:           targetRepo,
		Tasks:             deliveryRepo,
		Notifier:          notifier,
		Logger:            logger,
		AdminToken:        cfg.AdminToken,
		IngestLimitPerMin: cfg.IngestLimitPerMin,
		Version:           Version,
		Commit:            Commit,
		BuildDate:         BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}

func newBlobStore(ctx context.Context, cfg config.BlobstoreConfig) (blobstore.Store, error) {
	storeCfg := blobstore.Config{
		Driver: cfg.Driver,
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	}
	if cfg.Driver == "s3" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		storeCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return blobstore.New(storeCfg)
}
