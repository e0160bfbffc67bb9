package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/migration"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func main() {
	configPath := flag.String("config", envOrDefault("RELAYSYNC_CONFIG", ""), "path to relaysync.yaml")
	envFile := flag.String("env-file", envOrDefault("RELAYSYNC_ENV_FILE", ""), ".env file loaded before the configuration")
	flag.Parse()

	loader := config.NewLoader(*configPath, *envFile)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure logging")
	}
	defer closer.Close()
	migration.SetLogger(logging.GooseLogger{Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, loader, logger, nil); err != nil {
		logger.Error().Err(err).Msg("relaysync stopped")
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. ready, when set, receives the bound
// listener address once the server accepts connections.
func run(ctx context.Context, cfg *config.Config, loader *config.Loader, logger zerolog.Logger, ready chan<- string) error {
	store, err := relaysync.BuildCheckpointStoreFromDSN(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("initialize checkpoint store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	metrics := relaysync.NewMetrics()
	hub := relaysync.NewProgressHub(0)

	runners, closeRunners, err := buildRunners(ctx, cfg, store, metrics, hub, logger)
	if err != nil {
		return err
	}
	defer closeRunners()

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		JWTSecret:          cfg.Server.JWTSecret,
		ContinuationSecret: cfg.Server.ContinuationSecret,
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		AsyncWebhooks:      cfg.Server.AsyncWebhooks,
		Logger:             logger,
		Metrics:            metrics,
		Progress:           hub,
	}, runners...)
	if err != nil {
		return fmt.Errorf("initialize http api: %w", err)
	}

	sweeper := relaysync.NewStallSweeper(runners, cfg.Sync.SweepInterval, logger)
	go sweeper.Run(ctx)

	if loader != nil {
		loader.Watch(func(next *config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				logger.Warn().Err(err).Msg("ignoring reloaded log level")
				return
			}
			logger.Info().Str("level", next.Logging.Level).Msg("configuration reloaded")
		}, func(err error) {
			logger.Warn().Err(err).Msg("ignoring invalid configuration change")
		})
	}

	listener, err := listen(cfg.Server.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: server, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	logger.Info().
		Str("addr", listener.Addr().String()).
		Int("integrations", len(runners)).
		Str("public_url", cfg.Server.PublicURL).
		Msg("relaysync listening")
	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info().Msg("relaysync shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight sync invocations did not finish before shutdown")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
