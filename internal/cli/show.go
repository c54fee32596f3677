package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	showJSON bool
)

var showCmd = &cobra.Command{
	Use:   "show [plan-file]",
	Short: "Show the current state or a saved plan",
	Long:  `Displays a human-readable view of the current state, or of a plan saved with 'plan --out'.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
}

func runShow(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		plan, ok, err := readPlanFile(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not a saved plan", args[0])
		}
		if showJSON {
			return printJSON(plan)
		}
		if plan.Empty() {
			fmt.Println("The plan contains no changes.")
			return nil
		}
		renderPlanChanges(plan)
		renderPlanSummary(plan)
		return nil
	}

	_, b, err := openState(cmd)
	if err != nil {
		return err
	}
	s, err := b.Read(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if showJSON {
		return printJSON(s)
	}

	fmt.Printf("State: version=%d serial=%d lineage=%s\n", s.Version, s.Serial, s.Lineage)
	fmt.Printf("Resources: %d\n\n", len(s.Resources))

	for _, res := range s.Resources {
		fmt.Printf("# %s\n", res.Address())
		fmt.Printf("  provider = %s\n", res.Provider)
		for _, k := range sortedKeys(res.Outputs) {
			fmt.Printf("  %s = %s\n", k, formatValue(res.Outputs[k]))
		}
		fmt.Println()
	}

	if len(s.Outputs) > 0 {
		fmt.Println("Outputs:")
		for _, k := range sortedKeys(s.Outputs) {
			fmt.Printf("  %s = %s\n", k, formatValue(s.Outputs[k]))
		}
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
