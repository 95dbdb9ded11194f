package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := cmd.NewRootCmd()
	if c, err := root.ExecuteContextC(ctx); err != nil {
		_ = cli.NewErrorHandler(cli.GetOptions(c).Verbose).Handle(err)
		stop()
		os.Exit(1)
	}
}
