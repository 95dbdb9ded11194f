package cmd

import (
	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/pkg/profiling"
)

// NewRootCmd assembles the prdflow command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand(
		"prdflow",
		"Turn a project description into a PRD, a task list and committed code",
	)

	root.AddCommand(NewServeCmd())
	root.AddCommand(NewStopCmd())
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewChatCmd())
	root.AddCommand(NewLogsCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewPathsCmd())
	root.AddCommand(cli.NewVersionCommand("prdflow"))

	profiling.NewCobraProfiler().AddFlags(root)

	cli.ApplyStyledHelpRecursive(root)
	return root
}
