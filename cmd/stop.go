package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/internal/pidfile"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/paths"
	"github.com/grovetools/prdflow/pkg/process"
)

// NewStopCmd returns the command that stops a running server.
func NewStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := logging.NewPrinter().WithWriter(cmd.OutOrStdout())
			grace, _ := cmd.Flags().GetDuration("grace")

			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				printer.Info("Server is not running")
				return nil
			}

			if err := process.Terminate(pid, grace); err != nil {
				return fmt.Errorf("failed to stop process %d: %w", pid, err)
			}
			printer.Success(fmt.Sprintf("Stopped server (PID %d)", pid))
			return nil
		},
	}
	cmd.Flags().Duration("grace", 15*time.Second, "Time to wait for a graceful shutdown before killing")
	return cmd
}
