package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/engine"
	"github.com/dohr-michael/tether/internal/memory"
)

// NewMemoryCommand returns the memory subcommand.
func NewMemoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Inspect and manage the working memory",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show resident agents and usage",
				Action: runMemoryShow,
			},
			{
				Name:      "load",
				Usage:     "Load an agent, evicting the lowest-priority residents if needed",
				ArgsUsage: "<agent_id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "agent_id")
					if err != nil {
						return err
					}
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						res, err := e.LoadMemory(ctx, id)
						if err != nil {
							return err
						}
						return render(cmd, res, func(w *tabwriter.Writer) {
							if res.Resident {
								fmt.Fprintf(w, "%s is already resident\n", id)
								return
							}
							fmt.Fprintf(w, "Loaded %s (%d tokens)\n", id, res.Slot.EstimatedTokens)
							for _, v := range res.Evicted {
								fmt.Fprintf(w, "Evicted %s (%d tokens)\n", v.AgentID, v.EstimatedTokens)
							}
						})
					})
				},
			},
			{
				Name:      "unload",
				Usage:     "Remove an agent from working memory",
				ArgsUsage: "<agent_id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "agent_id")
					if err != nil {
						return err
					}
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						removed, err := e.UnloadMemory(ctx, id)
						if err != nil {
							return err
						}
						return render(cmd, map[string]bool{"removed": removed}, func(w *tabwriter.Writer) {
							if removed {
								fmt.Fprintf(w, "Unloaded %s\n", id)
							} else {
								fmt.Fprintf(w, "%s was not resident\n", id)
							}
						})
					})
				},
			},
			{
				Name:  "reload",
				Usage: "Refill working memory from the current ranking",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						res, err := e.ReloadMemory(ctx)
						if err != nil {
							return err
						}
						skipped := map[string]string{}
						for id, err := range res.Skipped {
							skipped[id] = err.Error()
						}
						view := map[string]any{"loaded": res.Loaded, "skipped": skipped}
						return render(cmd, view, func(w *tabwriter.Writer) {
							for _, sl := range res.Loaded {
								fmt.Fprintf(w, "Loaded %s\t%d tokens\n", sl.AgentID, sl.EstimatedTokens)
							}
							for id, reason := range skipped {
								fmt.Fprintf(w, "Skipped %s\t%s\n", id, reason)
							}
						})
					})
				},
			},
		},
		DefaultCommand: "show",
	}
}

func runMemoryShow(ctx context.Context, cmd *cli.Command) error {
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		u, err := e.MemoryUsage()
		if err != nil {
			return err
		}
		return render(cmd, u, func(w *tabwriter.Writer) { printUsage(w, u) })
	})
}

func printUsage(w *tabwriter.Writer, u *memory.Usage) {
	fmt.Fprintf(w, "Working memory: %d/%d agents, %d/%d tokens\n", len(u.Slots), u.MaxAgents, u.Tokens, u.TokenBudget)
	if len(u.Slots) == 0 {
		return
	}
	now := time.Now()
	fmt.Fprintln(w, "ID\tTOKENS\tLOADED")
	for _, sl := range u.Slots {
		fmt.Fprintf(w, "%s\t%d\t%s\n", sl.AgentID, sl.EstimatedTokens, formatAge(sl.LoadedAt, now))
	}
}
