package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/engine"
)

// NewCheckpointCommand returns the checkpoint subcommand.
func NewCheckpointCommand() *cli.Command {
	return &cli.Command{
		Name:    "checkpoint",
		Aliases: []string{"cp"},
		Usage:   "Snapshot, list, verify and restore derived state",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Take a checkpoint now",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "kind", Value: string(checkpoint.KindStandard), Usage: "standard, pre-compaction, session-end or corruption"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					kind, err := checkpoint.ParseKind(cmd.String("kind"))
					if err != nil {
						return err
					}
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						info, err := e.Snapshot(ctx, kind)
						if err != nil {
							return err
						}
						return render(cmd, info, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Checkpoint %s (%s)\n", info.ID, info.Kind)
						})
					})
				},
			},
			{
				Name:   "list",
				Usage:  "List checkpoints, oldest first",
				Action: runCheckpointList,
			},
			{
				Name:      "verify",
				Usage:     "Check a checkpoint's digests",
				ArgsUsage: "<checkpoint_id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := requireArg(cmd, "checkpoint_id")
					if err != nil {
						return err
					}
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						if err := e.Checkpoints().Verify(id); err != nil {
							return err
						}
						return render(cmd, map[string]any{"id": id, "ok": true}, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Checkpoint %s is intact\n", id)
						})
					})
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore index and scheduler state (latest checkpoint when no id is given)",
				ArgsUsage: "[checkpoint_id]",
				Action:    runCheckpointRestore,
			},
			{
				Name:  "prune",
				Usage: "Apply retention to standard and session-end checkpoints",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						removed, err := e.Prune(ctx)
						if err != nil {
							return err
						}
						return render(cmd, map[string]any{"removed": removed}, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Removed %d checkpoint(s)\n", len(removed))
							for _, id := range removed {
								fmt.Fprintf(w, "  %s\n", id)
							}
						})
					})
				},
			},
		},
		DefaultCommand: "list",
	}
}

func runCheckpointList(ctx context.Context, cmd *cli.Command) error {
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		all, err := e.Checkpoints().List()
		if err != nil {
			return err
		}
		return render(cmd, all, func(w *tabwriter.Writer) {
			if len(all) == 0 {
				fmt.Fprintln(w, "No checkpoints.")
				return
			}
			fmt.Fprintln(w, "ID\tKIND\tCREATED\tFILES\tSTATE")
			for _, c := range all {
				state := "ok"
				if c.Corrupt {
					state = "CORRUPT: " + c.Problem
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.ID, c.Kind, formatTime(c.CreatedAt), len(c.Files), state)
			}
		})
	})
}

func runCheckpointRestore(ctx context.Context, cmd *cli.Command) error {
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		id := cmd.Args().First()
		if id == "" {
			latest, err := e.Checkpoints().Latest()
			if err != nil {
				return err
			}
			if latest == nil {
				return fmt.Errorf("no checkpoint to restore")
			}
			id = latest.ID
		}
		res, err := e.Restore(ctx, id)
		if err != nil {
			return err
		}
		return render(cmd, res, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Restored %s (%s, %s)\n", res.Checkpoint.ID, res.Checkpoint.Kind, formatTime(res.Checkpoint.CreatedAt))
			if res.Memory != nil {
				fmt.Fprintf(w, "Working memory reloaded with %d agent(s)\n", len(res.Memory.Loaded))
			}
		})
	})
}
