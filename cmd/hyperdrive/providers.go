package main

import (
	"github.com/devrev/hyperdrive/internal/config"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ProvidersReport is what the providers command prints
type ProvidersReport struct {
	Known    []model.ProviderID       `yaml:"known"`
	Enabled  []config.ProviderSetting `yaml:"enabled"`
	Primary  string                   `yaml:"primary,omitempty"`
	Replicas []model.ProviderID       `yaml:"replicas,omitempty"`
}

// NewProvidersCommand creates the providers command.
func NewProvidersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the built-in providers and the ones enabled by configuration",
		Long: `Prints the configured providers without connecting to any of them.
Invalid entries in the replica list are reported on stderr and skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			report := ProvidersReport{
				Known:   model.KnownProviders,
				Enabled: cfg.EnabledProviders(),
				Primary: cfg.HyperDrive.Primary,
			}
			if cfg.HyperDrive.Replicas != "" {
				report.Replicas = config.ParseProviderList("replicas", cfg.HyperDrive.Replicas).Value
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		},
	}
}
