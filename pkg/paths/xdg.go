// Package paths provides XDG-compliant path resolution for prdflow.
//
// Resolution order:
// 1. PRDFLOW_HOME (portable root) → $PRDFLOW_HOME/{config,state}
// 2. XDG env vars → $XDG_*_HOME/prdflow
// 3. Platform defaults → ~/.config/prdflow, ~/.local/state/prdflow
package paths

import (
	"os"
	"path/filepath"
)

const appName = "prdflow"

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if home := os.Getenv("PRDFLOW_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if home := os.Getenv("PRDFLOW_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the prdflow configuration directory.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	if os.Getenv("PRDFLOW_HOME") != "" {
		return base
	}
	return filepath.Join(base, appName)
}

// StateDir returns the prdflow state directory.
// Used for the pid file, logs and the client's persisted session id.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	if os.Getenv("PRDFLOW_HOME") != "" {
		return base
	}
	return filepath.Join(base, appName)
}

// LogDir returns the directory holding component log files.
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// LogFilePath returns the log file for a component.
func LogFilePath(component string) string {
	return filepath.Join(LogDir(), component+".log")
}

// PidFilePath returns the path to the server PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "prdflow.pid")
}

// SessionFilePath returns the file where the client persists its session id
// between runs.
func SessionFilePath() string {
	return filepath.Join(StateDir(), "session")
}

// EnsureDirs creates all prdflow directories if they don't exist.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), StateDir(), LogDir()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
