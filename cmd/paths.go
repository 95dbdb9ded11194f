package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/paths"
)

// PathsOutput lists the files and directories prdflow uses.
type PathsOutput struct {
	ConfigDir   string `json:"config_dir"`
	StateDir    string `json:"state_dir"`
	LogFile     string `json:"log_file"`
	PidFile     string `json:"pid_file"`
	SessionFile string `json:"session_file"`
}

// NewPathsCmd returns the command that prints prdflow's paths as JSON.
func NewPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by prdflow",
		Long: `Print the paths used by prdflow as JSON.

- config_dir: global prdflow.yml
- state_dir: pid file, logs and the saved session id
- log_file: the log every component writes to`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cli.GetOptions(cmd))
			if err != nil {
				return err
			}
			output := PathsOutput{
				ConfigDir:   paths.ConfigDir(),
				StateDir:    paths.StateDir(),
				LogFile:     logging.FilePath(logging.FromConfig(cfg)),
				PidFile:     paths.PidFilePath(),
				SessionFile: paths.SessionFilePath(),
			}

			jsonData, err := json.MarshalIndent(output, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal paths to JSON: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
			return nil
		},
	}
}
