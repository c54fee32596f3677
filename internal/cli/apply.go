package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/state"
)

var (
	applyAutoApprove     bool
	applyProperties      map[string]string
	applyTargets         []string
	applyContinueOnError bool
)

var applyCmd = &cobra.Command{
	Use:   "apply [path | plan-file]",
	Short: "Apply a configuration",
	Long: `Builds or changes infrastructure according to the configuration.

Given a plan file written by 'plan --out', exactly that plan is applied; it is
refused when the state changed after the plan was made. A failed apply keeps
whatever was already done in the state and exits non-zero.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	applyCmd.Flags().StringSliceVarP(&applyTargets, "target", "t", nil, "Limit apply to these addresses and their dependencies")
	applyCmd.Flags().BoolVar(&applyContinueOnError, "continue-on-error", false, "Keep applying independent changes after a failure")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var saved *ir.Plan
	if len(args) > 0 {
		plan, ok, err := readPlanFile(args[0])
		if err != nil {
			return err
		}
		if ok {
			saved = plan
			args = nil
		}
	}

	p, err := openProject(args)
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

		eng, registry := p.engine()
		defer registry.Close()
		eng.ContinueOnError = applyContinueOnError

		plan := saved
		if plan == nil {
			cfg, err := p.loadConfig(ctx, applyProperties)
			if err != nil {
				return err
			}
			if plan, err = eng.CreatePlanWithTargets(ctx, cfg, current, applyTargets); err != nil {
				return err
			}
		}

		if plan.Empty() {
			fmt.Println("No changes. Infrastructure is up-to-date.")
			renderOutputs(current.Outputs)
			return nil
		}
		fmt.Println("lampstack will perform the following actions:")
		renderPlanChanges(plan)
		renderPlanSummary(plan)

		if saved == nil && !applyAutoApprove && !confirm("\nDo you want to perform these actions? (y/n): ") {
			fmt.Println("Apply cancelled.")
			return nil
		}

		return applyAndPersist(ctx, p, eng, backend, plan, current, "apply")
	})
}

// applyAndPersist applies plan and writes the resulting state, even a
// partial one after a failure.
func applyAndPersist(ctx context.Context, p *project, eng *engine.Engine, backend state.Backend, plan *ir.Plan, current *ir.State, operation string) error {
	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

	newState, applyErr := eng.ApplyPlanWithCallback(ctx, plan, current, printApplyEvent)
	if newState != nil {
		if err := backend.Write(context.WithoutCancel(ctx), newState); err != nil {
			if applyErr != nil {
				return fmt.Errorf("%w (and the state could not be saved: %v)", applyErr, err)
			}
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	entry := AuditEntry{Operation: operation, Summary: map[string]int{
		"create":  plan.Summary.Create,
		"update":  plan.Summary.Update,
		"replace": plan.Summary.Replace,
		"delete":  plan.Summary.Delete,
	}}
	for _, change := range plan.Changes {
		entry.Changes = append(entry.Changes, AuditChange{Address: change.Address, Action: change.Action})
	}
	if applyErr != nil {
		entry.Error = applyErr.Error()
	}
	writeAuditLog(ctx, p.stateDir(), entry)

	if applyErr != nil {
		return applyErr
	}

	verb := "Apply"
	if plan.Destroy {
		verb = "Destroy"
	}
	fmt.Printf("\n%s complete! Resources: %d added, %d changed, %d replaced, %d destroyed.\n", verb,
		plan.Summary.Create, plan.Summary.Update, plan.Summary.Replace, plan.Summary.Delete)
	if newState != nil {
		renderOutputs(newState.Outputs)
	}
	return nil
}

func printApplyEvent(ev engine.ApplyEvent) {
	reset := colorize(colorReset)
	switch ev.Status {
	case engine.StatusStarted:
		fmt.Printf("  %s: %s...\n", ev.Address, progressVerb(ev.Action))
	case engine.StatusCompleted:
		fmt.Printf("%s  %s: done [%s]%s\n", colorize(colorGreen), ev.Address, ev.Duration.Round(100*time.Millisecond), reset)
	case engine.StatusFailed:
		fmt.Printf("%s  %s: failed: %v%s\n", colorize(colorRed), ev.Address, ev.Error, reset)
	case engine.StatusSkipped:
		fmt.Printf("%s  %s: skipped%s\n", colorize(colorYellow), ev.Address, reset)
	}
}

func progressVerb(action string) string {
	switch action {
	case ir.ActionCreate:
		return "creating"
	case ir.ActionUpdate:
		return "updating"
	case ir.ActionReplace:
		return "replacing"
	case ir.ActionDelete:
		return "destroying"
	default:
		return "reading"
	}
}
