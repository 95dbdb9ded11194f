package command

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the default command execution timeout
	DefaultTimeout = 2 * time.Minute

	// MaxTimeout is the maximum allowed timeout
	MaxTimeout = 30 * time.Minute
)

var (
	validCommandName = regexp.MustCompile(`^/?[a-zA-Z0-9][a-zA-Z0-9_./+-]*$`)
	validGitRef      = regexp.MustCompile(`^[a-zA-Z0-9/_.^~-]+$`)
)

// SafeBuilder provides secure command execution with validation
type SafeBuilder struct {
	defaultTimeout time.Duration
	validators     map[string]func(string) error
	executor       Executor
}

// NewSafeBuilder creates a new SafeBuilder instance with a RealExecutor
func NewSafeBuilder() *SafeBuilder {
	return NewSafeBuilderWithExecutor(&RealExecutor{})
}

// NewSafeBuilderWithExecutor creates a new SafeBuilder with a custom Executor
func NewSafeBuilderWithExecutor(exec Executor) *SafeBuilder {
	return &SafeBuilder{
		defaultTimeout: DefaultTimeout,
		validators:     makeDefaultValidators(),
		executor:       exec,
	}
}

// SetDefaultTimeout changes the timeout applied to commands whose context has
// no deadline. Values above MaxTimeout are capped.
func (sb *SafeBuilder) SetDefaultTimeout(timeout time.Duration) *SafeBuilder {
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	if timeout > 0 {
		sb.defaultTimeout = timeout
	}
	return sb
}

// makeDefaultValidators returns the default set of validators
func makeDefaultValidators() map[string]func(string) error {
	return map[string]func(string) error{
		"commandName": validateCommandName,
		"fileName":    validateFileName,
		"gitRef":      validateGitRef,
	}
}

// validateCommandName ensures an executable name is a plain name or path
func validateCommandName(name string) error {
	if name == "" {
		return fmt.Errorf("command name cannot be empty")
	}
	if !validCommandName.MatchString(name) {
		return fmt.Errorf("invalid command name: %s", name)
	}
	return nil
}

// validateFileName ensures file paths are safe
func validateFileName(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	// Prevent directory traversal
	if strings.Contains(path, "..") {
		return fmt.Errorf("file path cannot contain '..'")
	}

	// Prevent command injection via shell metacharacters
	if strings.ContainsAny(path, ";|&$`") {
		return fmt.Errorf("file path contains invalid characters")
	}

	// A leading dash would be read as a flag by the receiving command
	if strings.HasPrefix(path, "-") {
		return fmt.Errorf("file path cannot start with '-'")
	}

	return nil
}

// validateGitRef ensures git references are safe
func validateGitRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("git ref cannot be empty")
	}

	if strings.HasPrefix(ref, "-") || !validGitRef.MatchString(ref) {
		return fmt.Errorf("invalid git ref: %s", ref)
	}

	return nil
}

// Command represents a safe command configuration
type Command struct {
	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	name     string
	args     []string
	timeout  time.Duration
	executor Executor
}

// Build creates a new command with validation. The builder's default timeout
// applies unless ctx already carries a deadline. Callers must Release the
// command once it has finished.
func (sb *SafeBuilder) Build(ctx context.Context, name string, args ...string) (*Command, error) {
	if err := validateCommandName(name); err != nil {
		return nil, err
	}

	c := &Command{
		parent:   ctx,
		name:     name,
		args:     args,
		executor: sb.executor,
	}
	if _, ok := ctx.Deadline(); ok {
		c.ctx, c.cancel = context.WithCancel(ctx)
	} else {
		c.timeout = sb.defaultTimeout
		c.ctx, c.cancel = context.WithTimeout(ctx, sb.defaultTimeout)
	}
	return c, nil
}

// WithTimeout replaces the command timeout, measured from now
func (c *Command) WithTimeout(timeout time.Duration) *Command {
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	c.cancel()
	c.ctx, c.cancel = context.WithTimeout(c.parent, timeout)
	c.timeout = timeout
	return c
}

// Context returns the context the command runs under.
func (c *Command) Context() context.Context {
	return c.ctx
}

// Release frees the command's timeout. It is safe to call more than once.
func (c *Command) Release() {
	c.cancel()
}

// Validate validates specific arguments
func (sb *SafeBuilder) Validate(argType string, value string) error {
	validator, exists := sb.validators[argType]
	if !exists {
		return fmt.Errorf("no validator for argument type: %s", argType)
	}

	return validator(value)
}

// Exec creates and returns an exec.Cmd
func (c *Command) Exec() *exec.Cmd {
	return c.executor.CommandContext(c.ctx, c.name, c.args...) //nolint:gosec // SafeBuilder provides validation
}
