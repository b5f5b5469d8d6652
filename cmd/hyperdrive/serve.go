package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/devrev/hyperdrive/internal/app"
	"github.com/devrev/hyperdrive/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, warnings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, w := range warnings {
		logger.Warn(w)
	}
	logger.Info("Starting HyperDrive",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("grpc_health_port", cfg.Server.GRPCHealthPort),
		zap.String("primary", cfg.HyperDrive.Primary),
		zap.Int("providers", len(cfg.EnabledProviders())))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	return a.Run(ctx)
}
