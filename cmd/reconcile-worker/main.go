package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/config"
	"github.com/musegen/musegen-api/internal/domain/generation"
	"github.com/musegen/musegen-api/internal/domain/ledger"
	"github.com/musegen/musegen-api/internal/pkg/database"
	pkgimaging "github.com/musegen/musegen-api/internal/pkg/imaging"
	"github.com/musegen/musegen-api/internal/pkg/renderapi"
	"github.com/musegen/musegen-api/internal/pkg/storage"
)

const pollInterval = 1 * time.Minute

func main() {
	cfg := config.Load()
	setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("Starting reconcile-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	artifactStorage, err := storage.New(storage.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		BucketName:      cfg.R2BucketName,
		PublicURL:       cfg.R2PublicURL,
	}, cfg.LocalStoragePath, cfg.BackendURL+"/uploads")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create artifact storage")
	}

	refundPolicy, err := generation.ParsePartialFailurePolicy(cfg.PartialFailurePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid PARTIAL_FAILURE_POLICY")
	}

	renderClient := renderapi.NewClient(renderapi.Config{
		BaseURL:   cfg.RenderAPIBaseURL,
		APIKey:    cfg.RenderAPIKey,
		Timeout:   cfg.RenderTimeout,
		PollEvery: cfg.RenderPollEvery,
	})
	ledgerService := ledger.NewService(db)
	taskRepo := generation.NewTaskRepository(db)
	persister := generation.NewArtifactPersister(renderClient, artifactStorage, pkgimaging.NewDeriver(pkgimaging.DefaultConfig()))
	compensation := generation.NewCompensationManager(ledgerService, refundPolicy)

	// The hub lets reconciled status changes reach clients connected to the
	// API instances via Redis Pub/Sub.
	statusHub := generation.NewHub(rdb)
	go statusHub.Run()
	defer statusHub.Shutdown()

	reconciler := generation.NewReconciler(taskRepo, persister, compensation, statusHub, cfg.TaskExpiry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional: Redis pub/sub wake-up (polling still runs)
	wake := make(chan struct{}, 1)
	go subscribeWakeups(ctx, rdb, wake)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	lastIdleLog := time.Time{}
	idleLogEvery := 10 * time.Minute

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconcile-worker stopped")
			return
		case <-wake:
			// immediate sweep
		case <-ticker.C:
		}

		start := time.Now()
		settled, err := reconciler.SweepStuck(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Sweep failed")
			continue
		}
		if settled == 0 {
			now := time.Now()
			if lastIdleLog.IsZero() || now.Sub(lastIdleLog) >= idleLogEvery {
				log.Info().Msg("Idle: no stuck generation tasks found")
				lastIdleLog = now
			}
			continue
		}

		log.Info().
			Int("settled", settled).
			Dur("took", time.Since(start)).
			Msg("Sweep done")
	}
}

func subscribeWakeups(ctx context.Context, rdb *redis.Client, wake chan<- struct{}) {
	if rdb == nil {
		// Redis is optional; the poll ticker covers reconciliation on its own.
		return
	}
	// Channel name can be anything; polling is still the main mechanism.
	sub := rdb.Subscribe(ctx, "generations:reconcile")
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Channel():
			// non-blocking wake-up
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}
