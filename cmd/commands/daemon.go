package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/checkpoint"
	"github.com/dohr-michael/tether/internal/engine"
)

// NewDaemonCommand returns the daemon subcommand.
func NewDaemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "Run scheduled and signaled checkpoints in the foreground",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				return e.RunDaemon(ctx)
			}, engine.WithFinalCheckpoint(checkpoint.KindStandard))
		},
	}
}
