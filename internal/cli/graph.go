package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/engine"
)

var graphFromState bool

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the dependency graph in DOT format",
	Long: `Prints the resource dependency graph in Graphviz DOT format, edges
pointing at dependencies. With --state the graph recorded in state is drawn
instead; that is the graph destroy walks in reverse.

  lampstack graph | dot -Tsvg > stack.svg`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().BoolVar(&graphFromState, "state", false, "Draw the graph recorded in state")
}

func runGraph(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProject(args)
	if err != nil {
		return err
	}

	var dag *engine.DAG
	if graphFromState {
		b, err := p.backend(ctx)
		if err != nil {
			return err
		}
		s, err := b.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		dag, err = engine.BuildDAGFromState(s.Resources)
		if err != nil {
			return fmt.Errorf("failed to build graph: %w", err)
		}
	} else {
		cfg, err := p.loadConfig(ctx, nil)
		if err != nil {
			return err
		}
		if dag, err = engine.GraphConfig(cfg); err != nil {
			return fmt.Errorf("failed to build graph: %w", err)
		}
	}
	fmt.Fprint(cmd.OutOrStdout(), dag.DOT())
	return nil
}
