package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/config"
	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/logging"
)

// CommandOptions holds the persistent flags every prdflow command accepts.
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a root command with the standard flags.
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to a prdflow.yml config file")

	return cmd
}

// GetOptions extracts the standard options from a command.
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// LoadConfig loads the file named by --config, or searches from the working
// directory. A missing file is not an error; defaults are returned.
func LoadConfig(opts CommandOptions) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.Load(opts.ConfigFile)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadFrom(cwd)
	if err != nil && !errors.Is(err, errors.ErrCodeConfigNotFound) {
		return nil, err
	}
	return cfg, nil
}

// ApplyLogging configures every logger from cfg and the --verbose flag.
// Overrides are applied on top of the file's logging section.
func ApplyLogging(opts CommandOptions, cfg *config.Config, override func(*logging.Config)) logging.Config {
	logCfg := logging.FromConfig(cfg)
	if override != nil {
		override(&logCfg)
	}
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	logging.Configure(logCfg)
	return logCfg
}
