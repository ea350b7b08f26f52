package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jssandbox/internal/api"
	"jssandbox/internal/config"
	"jssandbox/internal/deno"
	"jssandbox/internal/jsast"
	"jssandbox/internal/monitor"
	"jssandbox/internal/sandbox"
	"jssandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults and environment")
		cfg, err = config.FromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := monitor.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Sample)
		if err != nil {
			log.Warn().Err(err).Msg("tracing disabled")
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					log.Error().Err(err).Msg("trace flush error")
				}
			}()
		}
	}
	tracer := monitor.NewTracer()

	// Interpreter. A missing binary is not fatal: health endpoints report it
	// and executions fail with RUNTIME_UNAVAILABLE.
	provisioner := deno.NewProvisioner(cfg.ProvisionerConfig())
	if cfg.Deno.AutoInstall {
		installCtx, installCancel := context.WithTimeout(ctx, 10*time.Minute)
		if _, err := provisioner.Install(installCtx); err != nil {
			log.Warn().Err(err).Msg("deno install failed (execution will fail)")
		}
		installCancel()
	}

	executor := sandbox.NewExecutor(provisioner, sandbox.ExecutorConfig{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		ScratchDir:    cfg.Sandbox.ScratchDir,
		CacheDir:      cfg.Sandbox.CacheDir,
		Tracer:        tracer,
	})
	if cfg.Sandbox.CleanupOnBoot {
		if n, err := executor.CleanupOrphaned(); err != nil {
			log.Warn().Err(err).Msg("scratch cleanup failed")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("removed orphaned scratch directories")
		}
	}

	astService := jsast.NewService(executor, jsast.ServiceConfig{
		Metrics: metrics,
		Tracer:  tracer,
	})

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        cfg.Database.MaxOpenConns,
			MinConns:        cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	deps := api.Deps{
		Engine:  executor,
		AST:     astService,
		Runtime: provisioner,
		Metrics: metrics,
	}

	// Initialize audit writer (buffered, reliable logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.Start()
		deps.Store = db
		deps.Audit = auditWriter
	}

	server := api.NewServer(cfg, deps, tracer)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Waits for running programs; they stop at their own timeouts.
		if err := executor.Close(); err != nil {
			log.Error().Err(err).Msg("executor close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("interpreter_installed", provisioner.Installed()).
		Str("deno_version", provisioner.Version()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-ctx.Done()
	if auditWriter != nil {
		auditWriter.Flush(10 * time.Second)
	}

	log.Info().Msg("server stopped")
}
