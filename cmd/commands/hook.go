package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/engine"
)

// NewHookCommand returns the hook subcommand, the entry points for
// session-lifecycle hooks.
func NewHookCommand() *cli.Command {
	return &cli.Command{
		Name:  "hook",
		Usage: "Session lifecycle entry points",
		Commands: []*cli.Command{
			{
				Name:  "session-start",
				Usage: "Open or resume a session and print the top-k briefing",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "k", Usage: "Briefing size (default scheduler.briefing_size)"},
				},
				Action: runHookSessionStart,
			},
			{
				Name:  "pre-compact",
				Usage: "Checkpoint before the context is compacted",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return hookCheckpoint(ctx, cmd, checkpoint.KindPreCompaction)
				},
			},
			{
				Name:  "session-end",
				Usage: "Checkpoint and close the session",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						req, err := e.RequestCheckpoint(ctx, checkpoint.KindSessionEnd)
						if err != nil {
							return err
						}
						s, err := e.EndSession(ctx)
						if err != nil {
							return err
						}
						view := map[string]any{"request": req, "session": s}
						return render(cmd, view, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "Session %s ended after %d switch(es)\n", orDash(s.SessionID), s.SwitchCount)
							printRequest(w, req)
						})
					})
				},
			},
		},
	}
}

func runHookSessionStart(ctx context.Context, cmd *cli.Command) error {
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		if _, _, err := e.StartSession(ctx); err != nil {
			return err
		}
		b, err := e.Briefing(ctx, cmd.Int("k"))
		if err != nil {
			return err
		}
		return render(cmd, b, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Session %s\n", b.Session.SessionID)
			if len(b.Top) == 0 {
				fmt.Fprintln(w, "No live agents.")
			} else {
				fmt.Fprintln(w, "#\tID\tSCORE\tSTATUS\tTITLE")
				for i, t := range b.Top {
					mark := ""
					if t.Current {
						mark = " *"
					}
					fmt.Fprintf(w, "%d\t%s%s\t%.3f\t%s\t%s\n", i+1, t.ID, mark, t.Score, t.Status, t.Title)
				}
			}
			if b.Memory != nil {
				fmt.Fprintln(w)
				printUsage(w, b.Memory)
			}
			if b.Checkpoint != nil {
				fmt.Fprintf(w, "Latest checkpoint: %s (%s)\n", b.Checkpoint.ID, b.Checkpoint.Kind)
			}
		})
	})
}

// hookCheckpoint hands the checkpoint to a live daemon, or takes it here.
func hookCheckpoint(ctx context.Context, cmd *cli.Command, kind checkpoint.Kind) error {
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		req, err := e.RequestCheckpoint(ctx, kind)
		if err != nil {
			return err
		}
		return render(cmd, req, func(w *tabwriter.Writer) { printRequest(w, req) })
	})
}

func printRequest(w *tabwriter.Writer, req *engine.CheckpointRequest) {
	switch {
	case req.Delegated:
		fmt.Fprintf(w, "Signaled the daemon for a %s checkpoint\n", req.Kind)
	case req.Deferred:
		fmt.Fprintf(w, "State is busy; %s checkpoint queued for the next daemon run (%s)\n", req.Kind, req.Signal)
	default:
		fmt.Fprintf(w, "Checkpoint %s (%s)\n", req.Checkpoint.ID, req.Checkpoint.Kind)
	}
}
