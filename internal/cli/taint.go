package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/ir"
)

var taintCmd = &cobra.Command{
	Use:   "taint <address>",
	Short: "Mark a resource for recreation",
	Long: `Marks a resource as tainted, forcing it to be destroyed and recreated
on the next apply. Tainting the instance re-runs the bootstrap on a fresh host.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaint,
}

var untaintCmd = &cobra.Command{
	Use:   "untaint <address>",
	Short: "Remove taint from a resource",
	Long:  `Removes the taint mark from a resource, preventing forced recreation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runUntaint,
}

func runTaint(cmd *cobra.Command, args []string) error {
	target := args[0]
	if err := mutateState(cmd, "taint", func(s *ir.State) error { return setTainted(s, target, true) }); err != nil {
		return err
	}
	fmt.Printf("Resource %s has been tainted. It will be recreated on next apply.\n", target)
	return nil
}

func runUntaint(cmd *cobra.Command, args []string) error {
	target := args[0]
	if err := mutateState(cmd, "untaint", func(s *ir.State) error { return setTainted(s, target, false) }); err != nil {
		return err
	}
	fmt.Printf("Resource %s has been untainted.\n", target)
	return nil
}

func setTainted(s *ir.State, target string, tainted bool) error {
	res := s.Find(target)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", target)
	}
	res.Tainted = tainted
	return nil
}
