package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/logging"
	"github.com/grovetools/prdflow/pkg/client"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/paths"
	"github.com/grovetools/prdflow/pkg/transport"
)

const pollInterval = 100 * time.Millisecond

// workbench is a connected client plus the terminal it prints to.
type workbench struct {
	client   *client.Client
	tr       transport.Transport
	printer  *logging.Printer
	out      io.Writer
	progress *cli.ProgressReporter
	styled   bool
}

// addSessionFlags registers the flags shared by run and chat.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Server address (default: server.address from config)")
	cmd.Flags().String("session", "", "Session id to attach to (default: the last one used)")
	cmd.Flags().Bool("new", false, "Start a new session")
	cmd.Flags().String("backend", "", "Event channel backend: websocket or sse")
	cmd.Flags().StringSlice("file", nil, "Files to add to the chat before starting")
}

// openWorkbench connects to the server and restores the session.
func openWorkbench(cmd *cobra.Command) (*workbench, error) {
	cfg, url, err := clientConfig(cmd)
	if err != nil {
		return nil, err
	}

	explicit, _ := cmd.Flags().GetString("session")
	fresh, _ := cmd.Flags().GetBool("new")
	id, err := resolveSessionID(paths.SessionFilePath(), explicit, fresh)
	if err != nil {
		return nil, err
	}

	backend := cfg.Transport.Backend
	if b, _ := cmd.Flags().GetString("backend"); b != "" {
		backend = b
	}
	tr, err := transport.New(backend, transport.Options{
		BaseURL:           url,
		SessionID:         id,
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectBackoff:  cfg.Transport.ReconnectBackoff.D(),
		RequestTimeout:    cfg.Transport.RequestTimeout.D(),
		Logger:            logging.NewLogger("transport"),
	})
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	wb := &workbench{
		client:   client.New(tr, id, logging.NewLogger("client")),
		tr:       tr,
		printer:  logging.NewPrinter().WithWriter(out),
		out:      out,
		progress: cli.NewProgressReporter(out),
		styled:   termenv.NewOutput(out).ColorProfile() != termenv.Ascii,
	}
	wb.subscribe()

	ctx := cmd.Context()
	if err := wb.client.Connect(ctx); err != nil {
		_ = wb.Close()
		return nil, err
	}
	if err := wb.client.Init(ctx); err != nil {
		_ = wb.Close()
		return nil, err
	}
	if err := wb.client.FetchFiles(ctx); err != nil {
		_ = wb.Close()
		return nil, err
	}

	snap := wb.client.Snapshot()
	wb.printer.Field("Session", id)
	wb.printer.Field("Stage", snap.Stage)
	for _, m := range snap.Messages {
		wb.printer.Role(string(m.Role), m.Content)
	}

	if files, _ := cmd.Flags().GetStringSlice("file"); len(files) > 0 {
		added, err := wb.client.AddFiles(ctx, files)
		if err != nil {
			_ = wb.Close()
			return nil, err
		}
		for _, f := range added {
			wb.printer.Info("Added " + f)
		}
	}
	return wb, nil
}

// subscribe prints the session's events as they arrive. Handlers run on
// the transport's reader goroutine.
func (wb *workbench) subscribe() {
	wb.tr.SubscribeAll(func(ev models.Event) {
		switch e := ev.(type) {
		case models.MessageChunk:
			fmt.Fprint(wb.out, e.Chunk)
		case models.MessageComplete:
			fmt.Fprintln(wb.out)
		case models.PRDChunk:
			if !wb.styled {
				fmt.Fprint(wb.out, e.Chunk)
			}
		case models.PRDProcessingStatus:
			if e.Message != "" {
				wb.printer.Info(e.Message)
			}
		case models.FilesEdited:
			wb.printer.Info("Edited: " + strings.Join(e.Files, ", "))
		case models.Commit:
			wb.printer.Role(string(models.RoleCommit), shortHash(e.Hash)+" "+e.Message)
		case models.TaskStarted:
			wb.progress.Update(e.TaskName, "started")
		case models.TaskCompleted:
			wb.progress.Update(e.TaskResult.TaskName, "completed")
		case models.Error:
			wb.printer.Error(e.Message, nil)
		}
	})
}

// wait blocks until op is released by its completion event.
func (wb *workbench) wait(ctx context.Context, op string) error {
	return wb.client.Wait(ctx, op, pollInterval)
}

// markdown renders md for the terminal. Plain output is returned when the
// terminal has no colour support.
func (wb *workbench) markdown(md string) string {
	if !wb.styled {
		return md
	}
	style := "light"
	if termenv.HasDarkBackground() {
		style = "dark"
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return md
	}
	rendered, err := r.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

// Close disconnects from the server.
func (wb *workbench) Close() error {
	return wb.client.Close()
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
