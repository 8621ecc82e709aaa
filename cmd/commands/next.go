package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/engine"
)

// NewNextCommand returns the next subcommand.
func NewNextCommand() *cli.Command {
	return &cli.Command{
		Name:  "next",
		Usage: "Rank the highest-priority agents",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 5, Usage: "How many agents to show (0 for all)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				r, err := e.NextN(ctx, cmd.Int("n"))
				if err != nil {
					return err
				}
				type row struct {
					ID      string  `json:"id"`
					Status  string  `json:"status"`
					Score   float64 `json:"score"`
					Project string  `json:"project,omitempty"`
					Title   string  `json:"title"`
				}
				rows := make([]row, 0, len(r.Agents))
				for _, ra := range r.Agents {
					rows = append(rows, row{ra.Agent.ID, string(ra.Agent.State.Status), ra.Score, ra.Agent.Project, ra.Agent.Task.Title})
				}
				return render(cmd, rows, func(w *tabwriter.Writer) {
					if len(rows) == 0 {
						fmt.Fprintln(w, "No live agents.")
						return
					}
					fmt.Fprintln(w, "#\tID\tSTATUS\tSCORE\tPROJECT\tTITLE")
					for i, r := range rows {
						fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%s\t%s\n", i+1, r.ID, r.Status, r.Score, orDash(r.Project), r.Title)
					}
				})
			})
		},
	}
}

// NewPreemptCommand returns the preempt subcommand.
func NewPreemptCommand() *cli.Command {
	return &cli.Command{
		Name:      "preempt",
		Usage:     "Check whether a candidate should interrupt the current agent",
		ArgsUsage: "<candidate_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "current", Usage: "Compare against this agent instead of the focused one"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			candidate, err := requireArg(cmd, "candidate_id")
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				d, err := e.PreemptCheck(ctx, cmd.String("current"), candidate)
				if err != nil {
					return err
				}
				return render(cmd, d, func(w *tabwriter.Writer) {
					verdict := "stay"
					if d.Preempt {
						verdict = "switch"
					}
					fmt.Fprintf(w, "Verdict:\t%s\n", verdict)
					fmt.Fprintf(w, "Current:\t%s (%.3f)\n", orDash(d.CurrentID), d.CurrentScore)
					fmt.Fprintf(w, "Candidate:\t%s (%.3f)\n", d.CandidateID, d.CandidateScore)
					fmt.Fprintf(w, "Reason:\t%s\n", d.Reason)
				})
			})
		},
	}
}

// NewSwitchCommand returns the switch subcommand.
func NewSwitchCommand() *cli.Command {
	return &cli.Command{
		Name:      "switch",
		Aliases:   []string{"focus"},
		Usage:     "Focus an agent: resume it, touch it and load it into working memory",
		ArgsUsage: "<agent_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Why the switch happens"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "agent_id")
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				res, err := e.Focus(ctx, id, cmd.String("reason"))
				if err != nil {
					return err
				}
				return render(cmd, res, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "Focused %s: %s\n", res.Agent.ID, res.Agent.Task.Title)
					if res.Previous != "" && res.Previous != id {
						fmt.Fprintf(w, "Previous: %s\n", res.Previous)
					}
					if res.Memory != nil {
						for _, v := range res.Memory.Evicted {
							fmt.Fprintf(w, "Evicted from working memory: %s\n", v.AgentID)
						}
					}
				})
			})
		},
	}
}
