package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	planOutFile    string
	planTargets    []string
	planProperties map[string]string
)

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions lampstack will take
to reach the desired state defined in your configuration.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be deleted

Planning does not lock the state. Save the plan with --out and pass the file
to 'apply' to apply exactly what was reviewed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write plan to file")
	planCmd.Flags().StringSliceVarP(&planTargets, "target", "t", nil, "Limit planning to these addresses and their dependencies")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProject(args)
	if err != nil {
		return err
	}

	cfg, err := p.loadConfig(ctx, planProperties)
	if err != nil {
		return err
	}

	backend, err := p.backend(ctx)
	if err != nil {
		return err
	}
	current, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	eng, registry := p.engine()
	defer registry.Close()

	plan, err := eng.CreatePlanWithTargets(ctx, cfg, current, planTargets)
	if err != nil {
		return err
	}

	if plan.Empty() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
	} else {
		fmt.Println("lampstack will perform the following actions:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0o600); err != nil {
			return fmt.Errorf("failed to write plan file: %w", err)
		}
		fmt.Printf("\nSaved the plan to %s. Apply it with: lampstack apply %s\n", planOutFile, planOutFile)
	}
	return nil
}
