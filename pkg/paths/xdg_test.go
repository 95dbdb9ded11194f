package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortableHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("PRDFLOW_HOME", home)

	assert.Equal(t, filepath.Join(home, "config"), ConfigDir())
	assert.Equal(t, filepath.Join(home, "state"), StateDir())
	assert.Equal(t, filepath.Join(home, "state", "logs", "server.log"), LogFilePath("server"))
	assert.Equal(t, filepath.Join(home, "state", "prdflow.pid"), PidFilePath())
}

func TestXDGHome(t *testing.T) {
	t.Setenv("PRDFLOW_HOME", "")
	cfg := t.TempDir()
	state := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfg)
	t.Setenv("XDG_STATE_HOME", state)

	assert.Equal(t, filepath.Join(cfg, "prdflow"), ConfigDir())
	assert.Equal(t, filepath.Join(state, "prdflow", "session"), SessionFilePath())
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("PRDFLOW_HOME", t.TempDir())
	assert.NoError(t, EnsureDirs())
	assert.DirExists(t, LogDir())
}
