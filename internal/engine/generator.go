// Package engine runs the code generator behind a session: chat turns, PRD
// and task generation, and task execution. Output is streamed to clients as
// protocol events.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/command"
	"github.com/grovetools/prdflow/errors"
)

const waitDelay = 2 * time.Second

// GenerateRequest is one prompt sent to a generator.
type GenerateRequest struct {
	SessionID string
	Prompt    string
	// Files are repository-relative paths the generator may edit.
	Files []string
	// Dir is the working tree the generator runs in.
	Dir string
}

// Generator produces text for a prompt, calling emit for every fragment in
// order. The concatenation of the fragments is the full response.
type Generator interface {
	Stream(ctx context.Context, req GenerateRequest, emit func(string)) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest, emit func(string)) error

// Stream calls f.
func (f GeneratorFunc) Stream(ctx context.Context, req GenerateRequest, emit func(string)) error {
	return f(ctx, req, emit)
}

// CommandGenerator runs an external code generator. The prompt is passed as
// the argument after the configured command, followed by the in-chat files.
// Stdout is streamed line by line.
type CommandGenerator struct {
	argv    []string
	timeout time.Duration
	builder *command.SafeBuilder
	logger  *logrus.Entry
}

// NewCommandGenerator validates argv and returns a generator for it.
func NewCommandGenerator(argv []string, timeout time.Duration, builder *command.SafeBuilder, logger *logrus.Entry) (*CommandGenerator, error) {
	if len(argv) == 0 {
		return nil, errors.ConfigInvalid("engine.command must name an executable")
	}
	if builder == nil {
		builder = command.NewSafeBuilder()
	}
	if err := builder.Validate("commandName", argv[0]); err != nil {
		return nil, errors.ConfigInvalid(err.Error())
	}
	if timeout <= 0 {
		timeout = command.MaxTimeout
	}
	return &CommandGenerator{
		argv:    append([]string(nil), argv...),
		timeout: timeout,
		builder: builder,
		logger:  logger,
	}, nil
}

// Stream runs the command once for req.
func (g *CommandGenerator) Stream(ctx context.Context, req GenerateRequest, emit func(string)) error {
	args := append([]string(nil), g.argv[1:]...)
	args = append(args, req.Prompt)
	for _, f := range req.Files {
		if err := g.builder.Validate("fileName", f); err != nil {
			return errors.InvalidInput("files", err.Error())
		}
		args = append(args, f)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd, err := g.builder.Build(ctx, g.argv[0], args...)
	if err != nil {
		return fmt.Errorf("failed to build generator command: %w", err)
	}
	defer cmd.Release()

	execCmd := cmd.Exec()
	execCmd.Dir = req.Dir
	var stderr bytes.Buffer
	out := &lineWriter{emit: emit}
	execCmd.Stdout = out
	execCmd.Stderr = &stderr
	// Output pipes held open by orphaned children must not block Wait forever.
	execCmd.WaitDelay = waitDelay

	g.logger.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"command":    g.argv[0],
		"files":      len(req.Files),
	}).Debug("Starting generator")

	if err := execCmd.Start(); err != nil {
		return errors.CommandFailed(g.argv[0], err)
	}
	waitErr := execCmd.Wait()
	out.Flush()

	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.New(errors.ErrCodeCommandTimeout, fmt.Sprintf("generator timed out after %s", g.timeout))
	case context.Canceled:
		return errors.Wrap(ctx.Err(), errors.ErrCodeCommandFailed, "generator was cancelled")
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, msg)
		}
		return errors.CommandFailed(g.argv[0], waitErr)
	}
	return nil
}

// lineWriter emits its input one line at a time, keeping the line endings.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i+1]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
