package bootcli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/bootstrap"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of the last run",
	Long: `Prints the recorded status as JSON. Exits with the failed run's exit code
when the last run failed.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget previous runs so the next one starts from the first step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bootstrap.NewStore(stateDir).Reset(); err != nil {
			return fmt.Errorf("failed to reset %s: %w", stateDir, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Bootstrap state cleared.")
		return nil
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := bootstrap.NewStore(stateDir).Load()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if st.Phase == bootstrap.PhaseFailed {
		return &recordedFailure{status: st}
	}
	return nil
}
