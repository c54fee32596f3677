package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/engine"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [path]",
	Short: "Update state to match real infrastructure",
	Long: `Reads the current state of all managed resources from their providers
and updates the state to reflect actual infrastructure.

This detects drift between what lampstack recorded and what actually exists.
Resources deleted outside lampstack are dropped from state, so the next plan
recreates them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProject(args)
	if err != nil {
		return err
	}
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
			fmt.Println("No resources to refresh.")
			return nil
		}

		eng, registry := p.engine()
		defer registry.Close()

		fmt.Printf("Refreshing %d resource(s)...\n\n", len(current.Resources))
		drift, err := eng.Refresh(ctx, current, providersOf(cfg))
		if err != nil {
			return err
		}

		reset := colorize(colorReset)
		deleted := 0
		for _, d := range drift {
			switch d.Kind {
			case engine.DriftMissing:
				deleted++
				fmt.Printf("%s  %s: DELETED (no longer exists in provider)%s\n", colorize(colorRed), d.Address, reset)
			case engine.DriftChanged:
				fmt.Printf("%s  %s: DRIFTED (%s)%s\n", colorize(colorYellow), d.Address, strings.Join(d.Changed, ", "), reset)
			}
		}

		if len(drift) > 0 {
			if err := backend.Write(ctx, current); err != nil {
				return fmt.Errorf("failed to write state: %w", err)
			}
			writeAuditLog(ctx, p.stateDir(), AuditEntry{Operation: "refresh", Summary: map[string]int{
				"drifted": len(drift) - deleted,
				"deleted": deleted,
			}})
		}

		fmt.Printf("\nRefresh complete. %d drifted, %d deleted.\n", len(drift)-deleted, deleted)
		return nil
	})
}
