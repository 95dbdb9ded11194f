// Package process inspects and signals operating system processes.
package process

import (
	"context"
	"os"
	"syscall"
	"time"
)

// IsProcessAlive reports whether a process with the given PID exists.
// Signal 0 checks for existence without delivering anything; EPERM means the
// process exists but belongs to another user.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// WaitForExit polls until pid is gone or ctx ends. It returns true when the
// process exited.
func WaitForExit(ctx context.Context, pid int, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for IsProcessAlive(pid) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// Terminate sends SIGTERM to pid and waits up to grace for it to exit. A
// process still alive after grace is killed.
func Terminate(pid int, grace time.Duration) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if !IsProcessAlive(pid) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if WaitForExit(ctx, pid, 50*time.Millisecond) {
		return nil
	}
	if err := p.Kill(); err != nil && IsProcessAlive(pid) {
		return err
	}
	return nil
}
