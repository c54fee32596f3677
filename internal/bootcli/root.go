// Package bootcli is the command line of the first-boot runner installed on
// the instance by cloud-init.
package bootcli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/bootstrap"
	"github.com/picklr-io/lampstack/internal/cloudinit"
)

var stateDir string

var rootCmd = &cobra.Command{
	Use:   "lampstack-boot",
	Short: "Run the LAMP bootstrap manifest on this host",
	Long: `lampstack-boot runs the provisioning manifest written by cloud-init, one
step at a time, and records its progress so an interrupted run can resume.

Exit codes:
  0  completed
  1  internal error
  2  a step failed
  3  a readiness gate timed out
  4  the manifest is invalid
  5  stopped by a signal between steps`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", cloudinit.StateDir, "Directory holding the run status and completion marker")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// recordedFailure reports a failed run found by the status command.
type recordedFailure struct {
	status *bootstrap.Status
}

func (e *recordedFailure) Error() string {
	return "last run failed at step " + e.status.StepName + ": " + e.status.Reason
}

// ExitCode maps an error returned by Execute to the process exit status.
func ExitCode(err error) int {
	var rf *recordedFailure
	if errors.As(err, &rf) && rf.status.ExitCode != bootstrap.ExitOK {
		return rf.status.ExitCode
	}
	return bootstrap.ExitCode(err)
}
