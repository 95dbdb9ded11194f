package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/grovetools/prdflow/pkg/session"
)

// resolveSessionID picks the session to attach to: an explicit id wins,
// then the id saved by the last run unless fresh is set, then a new UUID.
// The chosen id is saved to path for the next run.
func resolveSessionID(path, explicit string, fresh bool) (string, error) {
	id := strings.TrimSpace(explicit)
	if id == "" && !fresh {
		if data, err := os.ReadFile(path); err == nil {
			id = strings.TrimSpace(string(data))
		}
	}
	// A corrupt saved id is replaced rather than reported.
	if id == "" || (explicit == "" && session.ValidateID(id) != nil) {
		id = uuid.NewString()
	}
	if err := session.ValidateID(id); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}
	return id, nil
}
