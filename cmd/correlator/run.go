package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/api/rest"
	"github.com/davidleathers/sequence-correlator/internal/api/websocket"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
)

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the correlator until interrupted",
		Long: `Load the configuration and every rule in rules_dir, then fetch a batch of
events every run_every, evaluate it against each rule and deliver matches
to the configured sinks. The HTTP API serves health, metrics, rule state
and a websocket match stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = cfg.Version
	tc.Environment = cfg.Environment
	tc.SourceKind = cfg.Source.Kind
	tc.RulesDir = cfg.RulesDir
	tc.Enabled = cfg.Telemetry.Enabled
	tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tc.SamplingRate = cfg.Telemetry.SamplingRate
	return tc
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to release resources", zap.Error(err))
		}
	}()
	if err != nil {
		return err
	}

	handler := rest.NewRouter(rest.RouterConfig{
		Handler: rest.NewHandler(a.restDependencies(), logger),
		Health:  rest.NewHealthService(cfg.Version, 5*time.Second, a.healthCheckers()...),
		Stream:  websocket.NewHandler(a.hub, logger).ServeMatches,
		Logger:  logger,
	})
	server := rest.NewServer(cfg.Server, handler, logger)

	logger.Info("Correlator starting",
		zap.String("version", cfg.Version),
		zap.Int("rules", len(a.engines)),
		zap.String("source", cfg.Source.Kind))

	go a.hub.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start(ctx) }()
	go func() { errCh <- a.runner.Run(ctx) }()

	// Either component stopping stops the other.
	first := <-errCh
	stop()
	second := <-errCh

	err = errors.Join(ignoreCanceled(first), ignoreCanceled(second))
	if err == nil {
		logger.Info("Correlator stopped")
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
