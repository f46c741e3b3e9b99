package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/ninjateam/internal/graph"
)

var graphCmd = &cobra.Command{
	Use:   "graph [manifest]",
	Short: "Show the build graph and its critical path",
	Long: `Loads a ninja manifest or JSON graph and lists its units in dispatch
priority order. With --json the graph is written in the JSON graph format,
which can be edited and passed back to build --graph.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

var (
	graphTargets []string
	graphJSON    bool
	graphFlatten bool
)

func init() {
	graphCmd.Flags().StringSliceVar(&graphTargets, "targets", nil, "Restrict to these targets and their dependencies")
	graphCmd.Flags().BoolVar(&graphJSON, "json", false, "Write the graph as JSON")
	graphCmd.Flags().BoolVar(&graphFlatten, "flatten", false, "Inline nested sub-builds")
}

func runGraph(cmd *cobra.Command, args []string) error {
	path := "build.ninja"
	if len(args) == 1 {
		path = args[0]
	}
	g, err := graph.Load(path, graphTargets)
	if err != nil {
		return usageError(err)
	}
	if graphFlatten {
		if g, err = g.Flatten(); err != nil {
			return usageError(err)
		}
	}
	if graphJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(g.Spec())
	}
	printGraph(os.Stdout, g)
	return nil
}

func printGraph(out io.Writer, g *graph.Graph) {
	prio := g.Priorities()
	units := g.Units()
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool { return prio[ids[i]].Less(prio[ids[j]]) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tDEPTH\tDEPENDENTS\tKIND")
	for _, id := range ids {
		u := g.Unit(id)
		kind := "command"
		switch {
		case u.IsSubBuild():
			kind = fmt.Sprintf("sub-build (%d units)", len(u.Subgraph.Units))
		case u.IsPhony():
			kind = "phony"
		}
		if len(u.Requires) > 0 {
			kind += " requires " + strings.Join(u.Requires, ",")
		}
		p := prio[id]
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", id, p.Depth, p.Dependents, kind)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d units\n", g.Len())
	if path := g.CriticalPath(); len(path) > 0 {
		fmt.Fprintf(out, "critical path (%d): %s\n", len(path), strings.Join(path, " -> "))
	}
}
