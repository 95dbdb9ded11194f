package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/config"
)

// NewConfigCmd returns the configuration inspection commands.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect prdflow configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigSchemaCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration and the files it came from",
		Long: `Shows the configuration after merging, in order:
1. Global config (prdflow.yml in the config directory)
2. Project config (prdflow.yml found from the current directory upward)
3. Override files (prdflow.override.yml next to the project config)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cli.GetOptions(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(cfg.Sources) == 0 {
				fmt.Fprintln(out, "# No configuration files found; showing defaults")
			}
			for _, src := range cfg.Sources {
				fmt.Fprintf(out, "# Source: %s\n", src)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of prdflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
