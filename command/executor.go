package command

import (
	"context"
	"os/exec"
	"time"
)

// GeneratorWaitDelay bounds how long Wait blocks on a cancelled generator
// whose child processes still hold its output pipes open.
const GeneratorWaitDelay = 5 * time.Second

// Executor creates the exec.Cmd for a built Command. Tests swap it out to
// run a scripted generator instead of the configured binary.
type Executor interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

// RealExecutor runs the named binary.
type RealExecutor struct{}

// CommandContext creates a cancellable command whose Wait gives up on
// lingering output pipes after GeneratorWaitDelay.
func (e *RealExecutor) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = GeneratorWaitDelay
	return cmd
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// CommandContext calls f.
func (f ExecutorFunc) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return f(ctx, name, args...)
}
