package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "tether",
		Usage: "Keep track of many agents of work across sessions and context loss",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Usage: "Data directory ($TETHER_PATH)",
				Value: config.TetherPath(),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (default <root>/config.jsonc)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print JSON",
			},
			&cli.BoolFlag{
				Name:  "yaml",
				Usage: "Print YAML",
			},
		},
		Commands: []*cli.Command{
			NewAgentsCommand(),
			NewNextCommand(),
			NewPreemptCommand(),
			NewSwitchCommand(),
			NewMemoryCommand(),
			NewIndexCommand(),
			NewCheckpointCommand(),
			NewLocksCommand(),
			NewHookCommand(),
			NewDaemonCommand(),
			NewStatusCommand(),
			NewJournalCommand(),
		},
	}
}
