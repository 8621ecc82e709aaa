package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/engine"
)

// NewIndexCommand returns the index subcommand.
func NewIndexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Inspect and rebuild the derived index",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Compare the index with the record store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						f, err := e.IndexFile()
						if err != nil {
							return err
						}
						problem := ""
						if err := e.CheckIndex(); err != nil {
							problem = err.Error()
						}
						view := map[string]any{
							"total_agents": f.TotalAgents,
							"by_status":    f.CountByStatus(),
							"quarantined":  f.Quarantined,
							"desync":       problem,
						}
						return render(cmd, view, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Agents:\t%d\n", f.TotalAgents)
							for st, n := range f.CountByStatus() {
								fmt.Fprintf(w, "  %s:\t%d\n", st, n)
							}
							fmt.Fprintf(w, "Quarantined:\t%d\n", len(f.Quarantined))
							if problem != "" {
								fmt.Fprintf(w, "Desync:\t%s (run `tether index rebuild`)\n", problem)
							} else {
								fmt.Fprintln(w, "Consistent with the record store.")
							}
						})
					})
				},
			},
			{
				Name:  "rebuild",
				Usage: "Rebuild the index from the record store",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						res, err := e.RebuildIndex(ctx)
						if err != nil {
							return err
						}
						view := map[string]any{"total": res.Total, "quarantined": len(res.Quarantined), "desync": res.Desync != nil}
						return render(cmd, view, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Indexed %d agents\n", res.Total)
							if res.Desync != nil {
								fmt.Fprintf(w, "Healed desync: %v\n", res.Desync)
							}
							for _, q := range res.Quarantined {
								fmt.Fprintf(w, "Quarantined %s → %s\n", q.AgentID, q.Path)
							}
						})
					})
				},
			},
		},
		DefaultCommand: "status",
	}
}
