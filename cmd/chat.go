package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/pkg/session"
)

const chatHelp = `Commands:
  /add <file>...    add files to the chat
  /drop <file>...   remove files from the chat
  /files [query]    list files, in-chat first
  /web <url>        add a web page's text to the conversation
  /undo [hash]      undo the last commit
  /clear            clear the conversation
  /quit             leave the session
Anything else is sent to the code generator.`

// NewChatCmd returns the interactive chat command.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the code generator in a session",
		Long:  "Read messages from standard input and stream the replies.\n\n" + chatHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			wb, err := openWorkbench(cmd)
			if err != nil {
				return err
			}
			defer wb.Close()
			return wb.chat(cmd.Context(), cmd.InOrStdin(), cli.NewErrorHandler(false))
		},
	}
	addSessionFlags(cmd)
	return cmd
}

// chat runs the read-send-wait loop until in is exhausted or /quit.
// Command errors are printed and the loop continues.
func (wb *workbench) chat(ctx context.Context, in io.Reader, handler *cli.ErrorHandler) error {
	handler.Out = wb.out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		fmt.Fprint(wb.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(wb.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := wb.chatLine(ctx, line); err != nil {
			_ = handler.Handle(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (wb *workbench) chatLine(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		if err := wb.client.SendMessage(ctx, line); err != nil {
			return err
		}
		return wb.wait(ctx, session.OpSendMessage)
	}

	fields := strings.Fields(line)
	command, args := fields[0], fields[1:]
	switch command {
	case "/add":
		added, err := wb.client.AddFiles(ctx, args)
		if err != nil {
			return err
		}
		wb.printer.Info(fmt.Sprintf("Added %d file(s)", len(added)))
	case "/drop":
		removed, err := wb.client.RemoveFiles(ctx, args)
		if err != nil {
			return err
		}
		wb.printer.Info(fmt.Sprintf("Removed %d file(s)", len(removed)))
	case "/files":
		if err := wb.client.FetchFiles(ctx); err != nil {
			return err
		}
		for _, f := range wb.client.FilterFiles(strings.Join(args, " ")) {
			mark := " "
			if f.InChat {
				mark = "*"
			}
			fmt.Fprintf(wb.out, "%s %s\n", mark, f.Path)
		}
	case "/web":
		if err := wb.client.AddWebPage(ctx, strings.Join(args, " ")); err != nil {
			return err
		}
		wb.printer.Info("Added web page to the conversation")
	case "/undo":
		hash := ""
		if len(args) > 0 {
			hash = args[0]
		}
		if err := wb.client.UndoCommit(ctx, hash); err != nil {
			return err
		}
		msgs := wb.client.Snapshot().Messages
		if len(msgs) > 0 {
			wb.printer.Role(string(msgs[len(msgs)-1].Role), msgs[len(msgs)-1].Content)
		}
	case "/clear":
		if err := wb.client.ClearHistory(ctx); err != nil {
			return err
		}
		wb.printer.Info("Conversation cleared")
	case "/help":
		fmt.Fprintln(wb.out, chatHelp)
	default:
		wb.printer.Warn("Unknown command " + command + "; try /help")
	}
	return nil
}
