package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	destroyAutoApprove bool
	destroyTargets     []string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed infrastructure",
	Long: `Destroys all resources managed by lampstack.

This command is the inverse of 'lampstack apply'. Every resource tracked in
the state is deleted in reverse dependency order. With --target only the
named resources and whatever depends on them are destroyed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval")
	destroyCmd.Flags().StringSliceVarP(&destroyTargets, "target", "t", nil, "Destroy only these addresses and their dependents")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProject(args)
	if err != nil {
		return err
	}

	// The configuration supplies provider settings and preventDestroy flags
	// when present.
	cfg, err := p.optionalConfig(ctx)
	if err != nil {
		return err
	}

	backend, err := p.backend(ctx)
	if err != nil {
		return err
	}

	return withLock(ctx, backend, func() error {
		current, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if len(current.Resources) == 0 {
			fmt.Println("No resources in state. Nothing to destroy.")
			return nil
		}

		eng, registry := p.engine()
		defer registry.Close()

		plan, err := eng.CreateDestroyPlan(ctx, cfg, current, destroyTargets)
		if err != nil {
			return err
		}

		fmt.Println("lampstack will destroy the following resources:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)

		if !destroyAutoApprove && !confirm("\nDo you really want to destroy these resources? (y/n): ") {
			fmt.Println("Destroy cancelled.")
			return nil
		}

		return applyAndPersist(ctx, p, eng, backend, plan, current, "destroy")
	})
}
