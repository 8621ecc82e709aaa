package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dohr-michael/tether/cmd/commands"
)

type remediator interface {
	Remediation() string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := commands.NewRootCommand()
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var r remediator
		if errors.As(err, &r) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", r.Remediation())
		}
		os.Exit(1)
	}
}
