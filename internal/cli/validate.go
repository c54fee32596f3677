package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the configuration",
	Long: `Loads the configuration, expands the stack template and checks that it
is internally consistent: references resolve, CIDRs nest, ingress rules are
well formed. No provider is contacted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := openProject(args)
	if err != nil {
		return err
	}
	cfg, err := p.loadConfig(cmd.Context(), nil)
	if err != nil {
		return err
	}
	if err := engine.ValidateConfig(cfg); err != nil {
		return err
	}

	fmt.Printf("Configuration is valid: %d resource(s), %d output(s).\n", len(cfg.Resources), len(cfg.Outputs))
	return nil
}
