package cmd

import (
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/config"
)

// serverURL turns a listen address into the URL clients dial. Wildcard
// hosts are reached through loopback.
func serverURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + address
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// clientConfig loads configuration for the client-side commands, which
// send their logs to the log file only unless --verbose is given.
func clientConfig(cmd *cobra.Command) (*config.Config, string, error) {
	opts := cli.GetOptions(cmd)
	cfg, err := cli.LoadConfig(opts)
	if err != nil {
		return nil, "", err
	}
	cli.ApplyLogging(opts, cfg, nil)

	url := serverURL(cfg.Server.Address)
	if cmd.Flags().Lookup("server") != nil && cmd.Flags().Changed("server") {
		flag, _ := cmd.Flags().GetString("server")
		url = serverURL(flag)
	}
	return cfg, url, nil
}
