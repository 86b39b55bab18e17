package cli

import (
	"fmt"

	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph [package...]",
	Short: "Show the package dependency graph",
	Long: `Prints the dependency graph of the last fetched manifest in Graphviz
DOT format. With package names, prints their dependency closure in load
order instead.`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := localManifest(cfg)
	if err != nil {
		return err
	}
	g, err := manifest.BuildGraph(m)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}

	if len(args) == 0 {
		fmt.Fprint(out, g.DOT())
		return nil
	}
	for _, name := range g.Closure(args...) {
		fmt.Fprintln(out, name)
	}
	return nil
}
