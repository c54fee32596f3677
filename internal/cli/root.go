package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/config"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/logging"
)

var (
	settings *config.Settings
	noColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "lampstack",
	Short: "Provision and bootstrap a single-host LAMP stack",
	Long: `lampstack declares a LAMP/WordPress host on AWS and converges real
infrastructure to it.

A configuration (main.pkl or stack.yaml) describes the network, firewall and
instance. 'plan' shows what would change, 'apply' makes it so and 'destroy'
removes everything that was created. On first boot the instance runs
lampstack-boot, which installs and configures the stack.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(".")
		if err != nil {
			return err
		}
		settings = s
		if s.NoColor {
			noColor = true
		}
		logging.Init(s.LogLevel, s.LogFormat)
		cmd.SetContext(logging.WithContext(cmd.Context()))
		return nil
	},
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// Exit codes of the lampstack command.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitValidation     = 2
	ExitReconciliation = 3
)

// ExitCode maps an error returned by Execute to the process exit status.
func ExitCode(err error) int {
	var verr *engine.ValidationError
	var rerr *engine.ReconciliationError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &verr):
		return ExitValidation
	case errors.As(err, &rerr):
		return ExitReconciliation
	default:
		return ExitError
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(providerCmd)
	rootCmd.AddCommand(versionCmd)
}
