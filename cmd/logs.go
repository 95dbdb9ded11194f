package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"regexp"
	"strings"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"

	"github.com/grovetools/prdflow/cli"
	"github.com/grovetools/prdflow/logging"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// NewLogsCmd returns the command that prints the shared log file.
func NewLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the prdflow log file",
		Example: `# Follow the server's log
prdflow logs -f

# The last 50 lines written by the engine
prdflow logs --component engine --tail 50`,
		RunE: runLogs,
	}

	cmd.Flags().BoolP("follow", "f", false, "Follow log output")
	cmd.Flags().Int("tail", -1, "Number of lines to show from the end of the log (default: all)")
	cmd.Flags().String("component", "", "Only show lines from this component")

	return cmd
}

func runLogs(cmd *cobra.Command, args []string) error {
	opts := cli.GetOptions(cmd)
	cfg, err := cli.LoadConfig(opts)
	if err != nil {
		return err
	}
	path := logging.FilePath(logging.FromConfig(cfg))

	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("tail")
	component, _ := cmd.Flags().GetString("component")

	offset := int64(0)
	if lines >= 0 {
		offset, err = tailOffset(path, lines)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if !follow {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("no log file at %s", path)
		}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: !follow,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("cannot tail %s: %w", path, err)
	}
	defer t.Cleanup()

	go func() {
		<-cmd.Context().Done()
		_ = t.Stop()
	}()

	out := cmd.OutOrStdout()
	for line := range t.Lines {
		if line.Err != nil {
			continue
		}
		if text, ok := filterLine(line.Text, component); ok {
			fmt.Fprintln(out, text)
		}
	}
	return nil
}

// filterLine reports whether line was written by component. JSON lines
// are matched on their component field, text lines on the bracketed
// component after the level. An empty component matches every line.
func filterLine(line, component string) (string, bool) {
	if component == "" {
		return line, true
	}
	if strings.HasPrefix(line, "{") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			return line, entry["component"] == component
		}
	}
	plain := ansiPattern.ReplaceAllString(line, "")
	return line, strings.Contains(plain, "] ["+component+"]")
}

// tailOffset returns the byte offset of the n-th line from the end of path.
func tailOffset(path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var starts []int64
	var pos int64
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			starts = append(starts, pos)
			pos += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if n >= len(starts) {
		return 0, nil
	}
	if n == 0 {
		return pos, nil
	}
	return starts[len(starts)-n], nil
}
