package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/tether/internal/engine"
)

// NewLocksCommand returns the locks subcommand.
func NewLocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "locks",
		Usage: "Show which locks are held and by whom",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(e *engine.Engine) error {
				all, err := e.LockStatus()
				if err != nil {
					return err
				}
				return render(cmd, all, func(w *tabwriter.Writer) {
					now := time.Now()
					fmt.Fprintln(w, "RESOURCE\tHELD\tPID\tSINCE\tPURPOSE")
					for _, st := range all {
						if st.Holder == nil {
							fmt.Fprintf(w, "%s\t%v\t-\t-\t-\n", st.Resource, st.Held)
							continue
						}
						fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%s\n", st.Resource, st.Held, st.Holder.PID,
							formatAge(st.Holder.AcquiredAt, now), orDash(st.Holder.Purpose))
					}
				})
			})
		},
	}
}
