package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/config"
	"github.com/musegen/musegen-api/internal/domain/admin"
	"github.com/musegen/musegen-api/internal/domain/generation"
	"github.com/musegen/musegen-api/internal/domain/ledger"
	"github.com/musegen/musegen-api/internal/domain/plan"
	"github.com/musegen/musegen-api/internal/domain/policy"
	"github.com/musegen/musegen-api/internal/middleware"
	"github.com/musegen/musegen-api/internal/pkg/database"
	"github.com/musegen/musegen-api/internal/pkg/imaging"
	"github.com/musegen/musegen-api/internal/pkg/jwt"
	"github.com/musegen/musegen-api/internal/pkg/moderation"
	"github.com/musegen/musegen-api/internal/pkg/promptenh"
	"github.com/musegen/musegen-api/internal/pkg/renderapi"
	pkgresponse "github.com/musegen/musegen-api/internal/pkg/response"
	"github.com/musegen/musegen-api/internal/pkg/storage"
	"github.com/musegen/musegen-api/internal/pkg/telemetry"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting MuseGen API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

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

	// ---------- External provider clients ----------
	renderClient := renderapi.NewClient(renderapi.Config{
		BaseURL:   cfg.RenderAPIBaseURL,
		APIKey:    cfg.RenderAPIKey,
		Timeout:   cfg.RenderTimeout,
		PollEvery: cfg.RenderPollEvery,
	})
	enhanceClient := promptenh.NewClient(promptenh.Config{
		BaseURL: cfg.PromptEnhanceBaseURL,
		APIKey:  cfg.PromptEnhanceAPIKey,
		Timeout: cfg.PromptEnhanceTimeout,
	})
	moderationClient := moderation.NewClient(moderation.Config{
		BaseURL: cfg.ModerationBaseURL,
		APIKey:  cfg.ModerationAPIKey,
		Timeout: cfg.ModerationTimeout,
	})

	var emitter telemetry.Emitter = telemetry.NoopEmitter{}
	if cfg.TelemetryURL != "" {
		emitter = telemetry.NewHTTPEmitter(cfg.TelemetryURL)
	}

	refundPolicy, err := generation.ParsePartialFailurePolicy(cfg.PartialFailurePolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid PARTIAL_FAILURE_POLICY")
	}

	// ---------- Repositories and services ----------
	ledgerService := ledger.NewService(db)
	planService := plan.NewService(plan.NewRepository(db), plan.NewRedisQuotaCounter(redis))
	policyEngine := policy.NewEngine(moderationClient, cfg.FrontendURL+"/upgrade")

	taskRepo := generation.NewTaskRepository(db)
	persister := generation.NewArtifactPersister(renderClient, artifactStorage, imaging.NewDeriver(imaging.DefaultConfig()))
	compensation := generation.NewCompensationManager(ledgerService, refundPolicy)

	statusHub := generation.NewHub(redis)
	go statusHub.Run()
	defer statusHub.Shutdown()

	orchestrator := generation.NewOrchestrator(generation.OrchestratorConfig{
		Repo:          taskRepo,
		Ledger:        ledgerService,
		Plans:         planService,
		Policy:        policyEngine,
		Preparer:      generation.NewPreparer(enhanceClient, cfg.PromptEnhanceTimeout),
		Generator:     renderClient,
		Persister:     persister,
		Compensation:  compensation,
		Telemetry:     emitter,
		Notifier:      statusHub,
		MaxConcurrent: cfg.MaxConcurrentRenders,
	})
	reconciler := generation.NewReconciler(taskRepo, persister, compensation, statusHub, cfg.TaskExpiry)

	// ---------- Handlers ----------
	generationHandler := generation.NewHandler(orchestrator, reconciler, generation.HandlerConfig{
		WebhookEnabled: cfg.WebhookEnabled,
		WebhookSecret:  cfg.WebhookSecret,
	})
	ledgerHandler := ledger.NewHandler(ledgerService)
	adminHandler := admin.NewTokenHandler(ledgerService, admin.NewRepository(db))

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	// WebSocket endpoint (before Compress)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		authMiddleware(http.HandlerFunc(statusHub.ServeWS)).ServeHTTP(w, r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Mount("/generations", generationHandler.Routes(authMiddleware))
		r.Mount("/tokens", ledgerHandler.Routes(authMiddleware))

		// Alias kept for the web client's original form action.
		r.With(authMiddleware).Post("/generate", generationHandler.Generate)
	})

	r.Mount("/api/admin", adminHandler.Routes(authMiddleware, middleware.RequireAdmin()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RenderTimeout + 30*time.Second, // generation is synchronous
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}
