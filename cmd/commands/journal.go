package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/engine"
)

// NewJournalCommand returns the journal subcommand.
func NewJournalCommand() *cli.Command {
	return &cli.Command{
		Name:      "journal",
		Usage:     "Show recorded domain events (current session when no id is given)",
		ArgsUsage: "[session_id]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 50, Usage: "Show at most n events (0 for all)"},
			&cli.BoolFlag{Name: "sessions", Usage: "List sessions that have a journal"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				j := e.Journal()
				if cmd.Bool("sessions") {
					ids, err := j.Sessions()
					if err != nil {
						return err
					}
					return render(cmd, ids, func(w *tabwriter.Writer) {
						for _, id := range ids {
							fmt.Fprintln(w, id)
						}
					})
				}

				id := cmd.Args().First()
				if id == "" {
					if s, err := e.Session(); err == nil && s.Open() {
						id = s.SessionID
					}
				}
				evs, err := j.Tail(id, cmd.Int("n"))
				if err != nil {
					return err
				}
				return render(cmd, evs, func(w *tabwriter.Writer) {
					if len(evs) == 0 {
						fmt.Fprintln(w, "No events.")
						return
					}
					fmt.Fprintln(w, "TIME\tTYPE\tSOURCE\tPAYLOAD")
					for _, ev := range evs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", formatTime(ev.Timestamp), ev.Type, ev.Source, ev.Payload)
					}
				})
			})
		},
	}
}
