package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/state"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage lampstack state",
	Long:  `Commands for inspecting and modifying lampstack state.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources in state",
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <address>",
	Short: "Show attributes of a single resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateMvCmd = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Move a resource to a new address",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateMv,
}

var stateRmCmd = &cobra.Command{
	Use:   "rm <address>",
	Short: "Remove a resource from state (does not destroy)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRm,
}

var stateUnlockForce bool

var stateUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Remove a state lock left by a crashed run",
	Long: `Removes the state lock whoever holds it. Only use this when no other
lampstack run against this state is active.`,
	Args: cobra.NoArgs,
	RunE: runStateUnlock,
}

func init() {
	stateUnlockCmd.Flags().BoolVarP(&stateUnlockForce, "force", "f", false, "Skip confirmation")
	stateCmd.AddCommand(stateUnlockCmd)
	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateMvCmd)
	stateCmd.AddCommand(stateRmCmd)
}

func openState(cmd *cobra.Command) (*project, state.Backend, error) {
	p, err := openProject(nil)
	if err != nil {
		return nil, nil, err
	}
	b, err := p.backend(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return p, b, nil
}

// mutateState reads the state under lock, applies fn and writes the result.
func mutateState(cmd *cobra.Command, operation string, fn func(*ir.State) error) error {
	ctx := cmd.Context()
	p, b, err := openState(cmd)
	if err != nil {
		return err
	}
	return withLock(ctx, b, func() error {
		s, err := b.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if err := fn(s); err != nil {
			return err
		}
		s.Serial++
		if err := b.Write(ctx, s); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		writeAuditLog(ctx, p.stateDir(), AuditEntry{Operation: operation})
		return nil
	})
}

func runStateList(cmd *cobra.Command, args []string) error {
	_, b, err := openState(cmd)
	if err != nil {
		return err
	}
	s, err := b.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(s.Resources) == 0 {
		fmt.Println("No resources in state.")
		return nil
	}

	fmt.Printf("State version: %d, serial: %d, lineage: %s\n\n", s.Version, s.Serial, s.Lineage)
	for _, res := range s.Resources {
		tainted := ""
		if res.Tainted {
			tainted = " (tainted)"
		}
		fmt.Printf("  %s (provider: %s)%s\n", res.Address(), res.Provider, tainted)
	}
	fmt.Printf("\nTotal: %d resource(s)\n", len(s.Resources))
	return nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	_, b, err := openState(cmd)
	if err != nil {
		return err
	}
	s, err := b.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	res := s.Find(args[0])
	if res == nil {
		return fmt.Errorf("resource %s not found in state", args[0])
	}

	fmt.Printf("# %s\n", res.Address())
	fmt.Printf("  provider = %s\n", res.Provider)
	if res.Tainted {
		fmt.Println("  tainted  = true")
	}
	if len(res.Dependencies) > 0 {
		fmt.Printf("  depends  = %s\n", strings.Join(res.Dependencies, ", "))
	}
	if len(res.Inputs) > 0 {
		fmt.Println("\n  Inputs:")
		for _, k := range sortedKeys(res.Inputs) {
			fmt.Printf("    %s = %s\n", k, formatValue(res.Inputs[k]))
		}
	}
	if len(res.Outputs) > 0 {
		fmt.Println("\n  Outputs:")
		for _, k := range sortedKeys(res.Outputs) {
			fmt.Printf("    %s = %s\n", k, formatValue(res.Outputs[k]))
		}
	}
	return nil
}

func runStateMv(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]
	err := mutateState(cmd, "state.mv", func(s *ir.State) error {
		return moveResource(s, src, dst)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Moved %s to %s\n", src, dst)
	return nil
}

func runStateRm(cmd *cobra.Command, args []string) error {
	target := args[0]
	err := mutateState(cmd, "state.rm", func(s *ir.State) error {
		return removeResource(s, target)
	})
	if err != nil {
		return err
	}
	fmt.Printf("Removed %s from state (resource was NOT destroyed)\n", target)
	return nil
}

// moveResource renames src to dst and rewrites recorded dependencies on it.
func moveResource(s *ir.State, src, dst string) error {
	res := s.Find(src)
	if res == nil {
		return fmt.Errorf("resource %s not found in state", src)
	}
	if s.Find(dst) != nil {
		return fmt.Errorf("resource %s already exists in state", dst)
	}
	typ, name, err := splitAddress(dst)
	if err != nil {
		return err
	}
	res.Type, res.Name = typ, name
	for _, other := range s.Resources {
		for j, dep := range other.Dependencies {
			if dep == src {
				other.Dependencies[j] = dst
			}
		}
	}
	return nil
}

func removeResource(s *ir.State, target string) error {
	kept := make([]*ir.ResourceState, 0, len(s.Resources))
	for _, res := range s.Resources {
		if res.Address() != target {
			kept = append(kept, res)
		}
	}
	if len(kept) == len(s.Resources) {
		return fmt.Errorf("resource %s not found in state", target)
	}
	s.Resources = kept
	return nil
}

func runStateUnlock(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, b, err := openState(cmd)
	if err != nil {
		return err
	}
	if !stateUnlockForce && !confirm("Remove the state lock? Another run may still be active. (y/n): ") {
		fmt.Println("Unlock cancelled.")
		return nil
	}
	if err := b.ForceUnlock(ctx); err != nil {
		return err
	}
	writeAuditLog(ctx, p.stateDir(), AuditEntry{Operation: "state.unlock"})
	fmt.Println("State lock removed.")
	return nil
}
