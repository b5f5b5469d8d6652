package main

import (
	"github.com/devrev/hyperdrive/internal/app"
	"github.com/devrev/hyperdrive/internal/model"
	"github.com/devrev/hyperdrive/internal/registry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PlanReport is what the plan command prints
type PlanReport struct {
	Failover  []model.ProviderID `yaml:"failover"`
	Replicas  []model.ProviderID `yaml:"replicas"`
	Providers []registry.Status  `yaml:"providers"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Activate the configured providers and print the resulting failover plan",
		Long: `Connects to every enabled provider, applies the primary and replica
settings, and prints the failover order, the replica set of the first
provider in that order, and each provider's status as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer a.Shutdown(ctx)

			failover, replicas := a.Plan()
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(PlanReport{
				Failover:  failover,
				Replicas:  replicas,
				Providers: a.Registry.List(),
			})
		},
	}
}
