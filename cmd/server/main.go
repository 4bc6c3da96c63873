package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/hotosm/tm-extractor/config"
	_ "github.com/hotosm/tm-extractor/docs"
	"github.com/hotosm/tm-extractor/internal/extractor"
	"github.com/hotosm/tm-extractor/internal/handlers"
	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
	"github.com/hotosm/tm-extractor/internal/middleware"
	"github.com/hotosm/tm-extractor/internal/rawdata"
	"github.com/hotosm/tm-extractor/internal/request"
	"github.com/hotosm/tm-extractor/internal/results"
	"github.com/hotosm/tm-extractor/internal/runs"
	"github.com/hotosm/tm-extractor/internal/tasking"
	"github.com/hotosm/tm-extractor/internal/telemetry"
	"github.com/hotosm/tm-extractor/internal/template"
)

// @title TM Extractor API
// @version 1.0
// @description API for orchestrating bulk OSM data extractions for Tasking Manager projects.
// @BasePath /api/v1
func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)
	log.Logger = *logger

	logger.Info().Msg("Starting extraction service")

	if err := cfg.ValidateForRun(); err != nil {
		logger.Fatal().Err(err).Msg("Configuration incomplete")
	}

	ctx := context.Background()
	cleanupTelemetry := telemetry.MustInit(ctx, telemetry.GetConfigFromEnv())

	sink, err := results.Open(ctx, cfg.Results.DatabaseURL, cfg.Results.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open results sink")
	}

	ext, err := buildExtractor(cfg, sink)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build extractor")
	}

	api := handlers.NewAPI(ext, runs.NewRegistry(), sink)

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	router.GET("/health", api.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth(os.Getenv("INTERNAL_API_KEY")))
	v1.Use(middleware.RateLimitMiddleware())
	{
		v1.GET("/runs", api.ListRuns)
		v1.GET("/runs/:runId", api.GetRun)
		// Starting a run is far more expensive than reading one; it gets
		// its own budget on top of the per-IP limit.
		v1.POST("/runs", middleware.RunRateLimitMiddleware(0.5, 2), api.StartRun)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := sink.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close results sink")
	}
	if err := cleanupTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush telemetry")
	}

	logger.Info().Msg("Server exited")
}

func buildExtractor(cfg *config.Config, sink results.Sink) (*extractor.Extractor, error) {
	tpl, err := template.Load(cfg.Extract.TemplatePath)
	if err != nil {
		return nil, err
	}

	retry := ratelimit.DefaultConfig()
	if cfg.RawData.MaxRetries > 0 {
		retry.MaxRetries = cfg.RawData.MaxRetries
	}
	if cfg.RawData.BackoffBase > 0 {
		retry.BackoffBase = cfg.RawData.BackoffBase
	}
	if wait := cfg.RawData.RateLimitWait(); wait > 0 {
		retry.RateLimitWait = wait
	}

	source, err := tasking.NewClient(tasking.ClientConfig{
		BaseURL: cfg.Tasking.BaseURL,
		APIKey:  cfg.Tasking.APIKey,
		Timeout: cfg.Tasking.Timeout(),
		Retry:   retry,
	})
	if err != nil {
		return nil, err
	}

	submitRetry := retry
	submitRetry.RequestsPerSecond = cfg.Extract.SubmitPerSecond
	submitRetry.Burst = 1
	exporter, err := rawdata.NewClient(rawdata.ClientConfig{
		BaseURL:   cfg.RawData.BaseURL,
		AuthToken: cfg.RawData.AuthToken,
		Timeout:   cfg.RawData.Timeout(),
		Retry:     submitRetry,
	})
	if err != nil {
		return nil, err
	}

	return extractor.New(source, exporter, results.NewRecorder(sink), extractor.Config{
		Template: tpl,
		Policy:   request.PolicyStrict,
		// API-triggered runs always track their tasks; callers poll the run
		// for the outcome, so fire-and-forget would leave them blind.
		Track:           true,
		PollInterval:    cfg.Extract.PollInterval(),
		MaxPolls:        cfg.Extract.MaxPolls,
		ProjectDeadline: cfg.Extract.ProjectDeadline,
		Concurrency:     cfg.Extract.Concurrency,
	})
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "tm-extractor").Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
