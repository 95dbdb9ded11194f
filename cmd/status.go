package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/internal/pidfile"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/paths"
)

// StatusOutput is the --json form of prdflow status.
type StatusOutput struct {
	Running  bool                    `json:"running"`
	PID      int                     `json:"pid,omitempty"`
	URL      string                  `json:"url"`
	Healthy  bool                    `json:"healthy"`
	Sessions []models.SessionSummary `json:"sessions,omitempty"`
}

// NewStatusCmd returns the command that reports the server's state.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the server is running and its live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, url, err := clientConfig(cmd)
			if err != nil {
				return err
			}

			out := StatusOutput{URL: url}
			out.Running, out.PID, err = pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			httpClient := &http.Client{}
			if err := getJSON(ctx, httpClient, url+"/health", nil); err == nil {
				out.Healthy = true
				if err := getJSON(ctx, httpClient, url+"/api/sessions", &out.Sessions); err != nil {
					return err
				}
			}

			if cli.GetOptions(cmd).JSONOutput {
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}

			printer := logging.NewPrinter().WithWriter(cmd.OutOrStdout())
			switch {
			case out.Healthy:
				printer.Success("Server is running")
			case out.Running:
				printer.Warn("Server process is alive but not answering")
			default:
				printer.Info("Server is stopped")
			}
			if out.PID != 0 {
				printer.Field("PID", out.PID)
			}
			printer.Field("URL", out.URL)
			if out.Healthy {
				printer.Field("Sessions", len(out.Sessions))
				for _, s := range out.Sessions {
					busy := ""
					if s.Busy {
						busy = " (busy)"
					}
					printer.Info(fmt.Sprintf("  %s  %s  %d messages%s", s.ID, s.Stage, s.Messages, busy))
				}
			}
			return nil
		},
	}
	cmd.Flags().String("server", "", "Server address (default: server.address from config)")
	return cmd
}

// getJSON fetches url and decodes the body into out when out is non-nil.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.TransportFailed("GET "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.TransportFailed("GET "+url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
