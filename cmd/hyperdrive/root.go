package main

import (
	"fmt"
	"io"

	"github.com/devrev/hyperdrive/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the HyperDrive CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "hyperdrive",
		Short:         "HyperDrive - multi-backend holon storage with failover",
		Long:          "Routes holon and avatar reads and writes across pluggable storage providers with automatic failover and background replication.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewProvidersCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// loadConfig loads the configuration and prints every warning it produced
// to w.
func loadConfig(opts *RootOptions, w io.Writer) (*config.Config, error) {
	cfg, warnings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	for _, msg := range warnings {
		fmt.Fprintln(w, "warning:", msg)
	}
	return cfg, nil
}
