package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/agents"
	"github.com/dohr-michael/tether/internal/engine"
	"github.com/dohr-michael/tether/internal/scheduler"
)

// NewAgentsCommand returns the agents subcommand.
func NewAgentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "agents",
		Aliases: []string{"agent", "a"},
		Usage:   "Manage agents",
		Commands: []*cli.Command{
			{
				Name:      "spawn",
				Usage:     "Create an agent",
				ArgsUsage: "<title>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "Project the agent belongs to"},
					&cli.StringFlag{Name: "goal", Usage: "What done looks like"},
					&cli.StringSliceFlag{Name: "criterion", Usage: "Acceptance criterion (repeatable)"},
					&cli.StringSliceFlag{Name: "depends-on", Usage: "Agent id that must complete first (repeatable)"},
					&cli.StringFlag{Name: "urgency", Value: "0.5", Usage: "Urgency within [0, 1]"},
					&cli.StringFlag{Name: "value", Value: "0.5", Usage: "Value within [0, 1]"},
					&cli.StringFlag{Name: "signal", Value: "0", Usage: "User signal within [0, 1]"},
					&cli.StringFlag{Name: "deadline", Usage: "Deadline (RFC 3339, YYYY-MM-DD or offset like 48h)"},
					&cli.IntFlag{Name: "tokens", Usage: "Estimated working-memory footprint in tokens"},
				},
				Action: runAgentsSpawn,
			},
			{
				Name:  "list",
				Usage: "List agents",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "status", Aliases: []string{"s"}, Usage: "Only these statuses (repeatable)"},
					&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "Project glob, e.g. infra/**"},
					&cli.BoolFlag{Name: "all", Usage: "Include completed and cancelled agents"},
					&cli.BoolFlag{Name: "terminal", Usage: "Only completed and cancelled agents"},
				},
				Action: runAgentsList,
			},
			{
				Name:      "show",
				Usage:     "Show agent details",
				ArgsUsage: "<agent_id>",
				Action:    runAgentsShow,
			},
			transitionCommand("pause", agents.StatusPaused, "Pause an active agent"),
			transitionCommand("resume", agents.StatusActive, "Resume a paused agent"),
			transitionCommand("block", agents.StatusBlocked, "Block an agent (--reason names the blocker)"),
			transitionCommand("unblock", agents.StatusActive, "Unblock an agent whose dependencies are met"),
			transitionCommand("complete", agents.StatusCompleted, "Mark an agent completed"),
			transitionCommand("cancel", agents.StatusCancelled, "Cancel an agent"),
			{
				Name:      "priority",
				Usage:     "Update priority inputs",
				ArgsUsage: "<agent_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "urgency", Usage: "Urgency within [0, 1]"},
					&cli.StringFlag{Name: "value", Usage: "Value within [0, 1]"},
					&cli.StringFlag{Name: "novelty", Usage: "Novelty within [0, 1]"},
					&cli.StringFlag{Name: "signal", Usage: "User signal within [0, 1]"},
					&cli.StringFlag{Name: "deadline", Usage: "Deadline, or \"none\" to clear it"},
				},
				Action: runAgentsPriority,
			},
			{
				Name:      "touch",
				Usage:     "Record activity on an agent",
				ArgsUsage: "<agent_id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return mutateAgent(ctx, cmd, func(e *engine.Engine, id string) (*agents.Agent, error) {
						return e.Touch(ctx, id)
					})
				},
			},
			{
				Name:      "fail",
				Usage:     "Record an error on an agent (empty message clears it)",
				ArgsUsage: "<agent_id> [message]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					msg := strings.Join(cmd.Args().Tail(), " ")
					return mutateAgent(ctx, cmd, func(e *engine.Engine, id string) (*agents.Agent, error) {
						return e.RecordError(ctx, id, msg)
					})
				},
			},
			{
				Name:  "reconcile",
				Usage: "Re-check dependencies of every live agent",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, func(e *engine.Engine) error {
						changed, err := e.ReconcileDependencies(ctx)
						if err != nil {
							return err
						}
						return render(cmd, map[string]any{"changed": changed}, func(w *tabwriter.Writer) {
							fmt.Fprintf(w, "%d agent(s) changed\n", len(changed))
							for _, id := range changed {
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

func transitionCommand(name string, to agents.Status, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<agent_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Why"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return mutateAgent(ctx, cmd, func(e *engine.Engine, id string) (*agents.Agent, error) {
				return e.Transition(ctx, id, to, cmd.String("reason"))
			})
		},
	}
}

// mutateAgent runs fn on the agent named by the first argument and prints
// the result.
func mutateAgent(ctx context.Context, cmd *cli.Command, fn func(*engine.Engine, string) (*agents.Agent, error)) error {
	id, err := requireArg(cmd, "agent_id")
	if err != nil {
		return err
	}
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		a, err := fn(e, id)
		if err != nil {
			return err
		}
		return render(cmd, a, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\n", a.ID, a.State.Status, a.Priority.ComputedScore, a.Task.Title)
		})
	})
}

func runAgentsSpawn(ctx context.Context, cmd *cli.Command) error {
	title := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if title == "" {
		return fmt.Errorf("missing <title> argument")
	}
	spec := agents.Spec{
		Project:            cmd.String("project"),
		Title:              title,
		Goal:               cmd.String("goal"),
		AcceptanceCriteria: cmd.StringSlice("criterion"),
		Dependencies:       cmd.StringSlice("depends-on"),
		EstimatedTokens:    cmd.Int("tokens"),
	}
	var err error
	if spec.Urgency, err = parseUnit("urgency", cmd.String("urgency")); err != nil {
		return err
	}
	if spec.Value, err = parseUnit("value", cmd.String("value")); err != nil {
		return err
	}
	if spec.UserSignal, err = parseUnit("signal", cmd.String("signal")); err != nil {
		return err
	}
	if s := cmd.String("deadline"); s != "" {
		d, err := parseDeadline(s, time.Now())
		if err != nil {
			return err
		}
		spec.Deadline = &d
	}

	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		a, err := e.Spawn(ctx, spec)
		if err != nil {
			return err
		}
		return render(cmd, a, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "Spawned %s [%s] %s\n", a.ID, a.State.Status, a.Task.Title)
			if a.State.Status == agents.StatusBlocked {
				fmt.Fprintf(w, "  %s\n", a.State.Reason)
			}
		})
	})
}

func listFilter(cmd *cli.Command) (agents.Filter, error) {
	f := agents.Filter{Project: cmd.String("project")}
	for _, s := range cmd.StringSlice("status") {
		st, err := agents.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	switch {
	case cmd.Bool("terminal"):
		t := true
		f.Terminal = &t
	case !cmd.Bool("all") && len(f.Statuses) == 0:
		t := false
		f.Terminal = &t
	}
	return f, f.Validate()
}

func runAgentsList(ctx context.Context, cmd *cli.Command) error {
	filter, err := listFilter(cmd)
	if err != nil {
		return err
	}
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		var list []*agents.Agent
		for a, err := range e.List(filter) {
			if err != nil {
				// One bad record never hides the rest.
				fmt.Fprintf(stderr(cmd), "warning: %v\n", err)
				continue
			}
			list = append(list, a)
		}
		return render(cmd, list, func(w *tabwriter.Writer) {
			if len(list) == 0 {
				fmt.Fprintln(w, "No agents found.")
				return
			}
			now := time.Now()
			fmt.Fprintln(w, "ID\tSTATUS\tSCORE\tPROJECT\tLAST ACTIVE\tTITLE")
			for _, a := range list {
				fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\t%s\n",
					a.ID, a.State.Status, a.Priority.ComputedScore, orDash(a.Project),
					formatAge(a.Timing.LastActive, now), a.Task.Title)
			}
		})
	})
}

func runAgentsShow(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "agent_id")
	if err != nil {
		return err
	}
	return withEngine(ctx, cmd, func(e *engine.Engine) error {
		ranked, err := e.Evaluate(id)
		if err != nil {
			return err
		}
		a := ranked.Agent
		view := struct {
			Agent   *agents.Agent     `json:"agent"`
			Score   float64           `json:"score"`
			Factors scheduler.Factors `json:"factors"`
		}{a, ranked.Score, ranked.Factors}

		return render(cmd, view, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "ID:\t%s\n", a.ID)
			fmt.Fprintf(w, "Title:\t%s\n", a.Task.Title)
			fmt.Fprintf(w, "Project:\t%s\n", orDash(a.Project))
			fmt.Fprintf(w, "Status:\t%s\n", a.State.Status)
			if a.State.Reason != "" {
				fmt.Fprintf(w, "Reason:\t%s\n", a.State.Reason)
			}
			fmt.Fprintf(w, "Score:\t%.3f\n", ranked.Score)
			f := ranked.Factors
			fmt.Fprintf(w, "Factors:\turgency %.2f  recency %.2f  value %.2f  novelty %.2f  signal %.2f  error %.2f\n",
				f.Urgency, f.Recency, f.Value, f.Novelty, f.UserSignal, f.ErrorBoost)
			fmt.Fprintf(w, "Created:\t%s\n", formatTime(a.Timing.CreatedAt))
			fmt.Fprintf(w, "Last active:\t%s\n", formatTime(a.Timing.LastActive))
			if a.Timing.Deadline != nil {
				fmt.Fprintf(w, "Deadline:\t%s\n", formatTime(*a.Timing.Deadline))
			}
			fmt.Fprintf(w, "Active time:\t%s\n", time.Duration(agents.ActiveSeconds(a, time.Now()))*time.Second)
			fmt.Fprintln(w)
			fmt.Fprint(w, a.Brief())
		})
	})
}

func runAgentsPriority(ctx context.Context, cmd *cli.Command) error {
	var patch agents.PriorityPatch
	for _, f := range []struct {
		flag string
		dst  **float64
	}{
		{"urgency", &patch.Urgency},
		{"value", &patch.Value},
		{"novelty", &patch.Novelty},
		{"signal", &patch.UserSignal},
	} {
		if !cmd.IsSet(f.flag) {
			continue
		}
		v, err := parseUnit(f.flag, cmd.String(f.flag))
		if err != nil {
			return err
		}
		*f.dst = &v
	}
	if cmd.IsSet("deadline") {
		if s := cmd.String("deadline"); s == "none" || s == "" {
			patch.ClearDeadline = true
		} else {
			d, err := parseDeadline(s, time.Now())
			if err != nil {
				return err
			}
			patch.Deadline = &d
		}
	}
	return mutateAgent(ctx, cmd, func(e *engine.Engine, id string) (*agents.Agent, error) {
		return e.UpdatePriority(ctx, id, patch)
	})
}
