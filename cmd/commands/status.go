package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/engine"
	"github.com/dohr-michael/tether/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show daemon liveness, agent counts, working memory and checkpoints",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				r, err := e.Status()
				if err != nil {
					return err
				}
				return render(cmd, r, func(w *tabwriter.Writer) { printStatus(w, r) })
			})
		},
	}
}

func printStatus(w *tabwriter.Writer, r *engine.StatusReport) {
	switch r.Daemon {
	case heartbeat.StatusAlive:
		fmt.Fprintf(w, "Daemon:\tALIVE (PID %d, uptime %s)\n", r.Heartbeat.PID, r.Heartbeat.Uptime)
	case heartbeat.StatusStale:
		fmt.Fprintf(w, "Daemon:\tSTALE (PID %d, last heartbeat %s ago)\n",
			r.Heartbeat.PID, time.Since(r.Heartbeat.Timestamp).Truncate(time.Second))
	default:
		fmt.Fprintln(w, "Daemon:\tNOT RUNNING")
	}

	fmt.Fprintf(w, "Root:\t%s\n", r.Root)
	fmt.Fprintf(w, "Agents:\t%d\n", r.Total)
	for _, st := range agents.AllStatuses {
		if n := r.ByStatus[st]; n > 0 {
			fmt.Fprintf(w, "  %s:\t%d\n", st, n)
		}
	}
	if r.Quarantined > 0 {
		fmt.Fprintf(w, "Quarantined:\t%d\n", r.Quarantined)
	}
	if r.IndexError != "" {
		fmt.Fprintf(w, "Index:\t%s (run `tether index rebuild`)\n", r.IndexError)
	}
	if s := r.Session; s != nil && s.SessionID != "" {
		state := "open"
		if !s.Open() {
			state = "ended"
		}
		fmt.Fprintf(w, "Session:\t%s (%s, %d switches, focus %s)\n", s.SessionID, state, s.SwitchCount, orDash(s.CurrentAgentID))
	}
	if u := r.Memory; u != nil {
		fmt.Fprintf(w, "Working memory:\t%d/%d agents, %d/%d tokens\n", len(u.Slots), u.MaxAgents, u.Tokens, u.TokenBudget)
	}
	if c := r.Checkpoint; c != nil {
		fmt.Fprintf(w, "Checkpoint:\t%s (%s, %s)\n", c.ID, c.Kind, formatAge(c.CreatedAt, time.Now()))
	} else {
		fmt.Fprintln(w, "Checkpoint:\tnone")
	}
	for _, k := range r.Pending {
		fmt.Fprintf(w, "Pending:\t%s (waiting for a daemon)\n", k)
	}
}
