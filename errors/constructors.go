package errors

import (
	"fmt"
	"os/exec"
	"strings"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *GroveError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *GroveError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// TransportFailed creates a transport error for a failed connection or send.
func TransportFailed(op string, err error) *GroveError {
	return Wrap(err, ErrCodeTransport, fmt.Sprintf("transport %s failed", op)).
		WithDetail("operation", op)
}

// NotConnected creates a transport error for a send attempted without a live connection.
func NotConnected(request string) *GroveError {
	return New(ErrCodeTransport, fmt.Sprintf("cannot send %s: not connected", request)).
		WithDetail("request", request)
}

// ProtocolViolation creates an error for an event that breaks the stream protocol.
func ProtocolViolation(event, reason string) *GroveError {
	return New(ErrCodeProtocolViolation, fmt.Sprintf("%s: %s", event, reason)).
		WithDetail("event", event)
}

// InvalidTransition creates a workflow error for a stage transition that is not allowed.
func InvalidTransition(action, stage string) *GroveError {
	return New(ErrCodeWorkflow, fmt.Sprintf("cannot %s while in stage %s", action, stage)).
		WithDetail("action", action).
		WithDetail("stage", stage)
}

// WorkflowFailed creates a generic workflow error.
func WorkflowFailed(message string) *GroveError {
	return New(ErrCodeWorkflow, message)
}

// InFlight creates an error for a request rejected because an identical one is pending.
func InFlight(op string) *GroveError {
	return New(ErrCodeInFlight, fmt.Sprintf("%s is already in progress", op)).
		WithDetail("operation", op)
}

// DependencyCycle creates a data integrity error naming the task ids in the cycle.
func DependencyCycle(path []int) *GroveError {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return New(ErrCodeDataIntegrity,
		fmt.Sprintf("task dependency cycle: %s", strings.Join(parts, " -> "))).
		WithDetail("cycle", path)
}

// MissingTaskReference creates a data integrity error for a dependency on an unknown task.
func MissingTaskReference(taskID, missing int) *GroveError {
	return New(ErrCodeDataIntegrity,
		fmt.Sprintf("task %d depends on unknown task %d", taskID, missing)).
		WithDetail("task", taskID).
		WithDetail("missing", missing)
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(id string) *GroveError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session '%s' not found", id)).
		WithDetail("session_id", id)
}

// InvalidInput creates an error for a malformed request field.
func InvalidInput(field, reason string) *GroveError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s %s", field, reason)).
		WithDetail("field", field)
}

// CommandFailed creates a command execution failure error
func CommandFailed(cmd string, err error) *GroveError {
	groveErr := Wrap(err, ErrCodeCommandFailed, fmt.Sprintf("command failed: %s", cmd)).
		WithDetail("command", cmd)

	// Extract exit code if available
	if exitErr, ok := err.(*exec.ExitError); ok {
		groveErr = groveErr.WithDetail("exitCode", exitErr.ExitCode())
	}

	return groveErr
}

// NotLatestCommit creates an error for an undo request that does not target the newest commit.
func NotLatestCommit(hash string) *GroveError {
	return New(ErrCodeGitNotLatest, fmt.Sprintf("Commit %s is not the latest commit", hash)).
		WithDetail("hash", hash)
}
