package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/testutil"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// replaceFile swaps in new content atomically, the way editors save.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0644))
	require.NoError(t, os.Rename(tmp, path))
}

// isolate points the global config dir at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PRDFLOW_HOME", home)
	return home
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultAddress, cfg.Server.Address)
	assert.Equal(t, 24*time.Hour, cfg.Sessions.IdleTTL.D())
	assert.Equal(t, 5*time.Minute, cfg.Sessions.SweepInterval.D())
	assert.Equal(t, "websocket", cfg.Transport.Backend)
	assert.Equal(t, 5, cfg.Workflow.DefaultTaskCount)
	assert.Equal(t, 3, cfg.Workflow.MinTaskCount)
	assert.Equal(t, 10, cfg.Workflow.MaxTaskCount)
	require.NoError(t, ValidateSchema(cfg))
	require.NoError(t, cfg.Validate())
}

func TestLoadFromBytesYAML(t *testing.T) {
	t.Setenv("PRDFLOW_TEST_PORT", "6001")
	data := []byte(`
server:
  address: 127.0.0.1:${PRDFLOW_TEST_PORT}
  allowed_origins: ["http://localhost:3000"]
sessions:
  idle_ttl: 2h
  sweep_interval: 30
engine:
  command: [aider, --yes]
  ignore: ["vendor/**"]
logging:
  level: debug
  format:
    preset: json
`)
	cfg, err := LoadFromBytes(data, FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6001", cfg.Server.Address)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.IdleTTL.D())
	assert.Equal(t, 30*time.Second, cfg.Sessions.SweepInterval.D())
	assert.Equal(t, []string{"aider", "--yes"}, cfg.Engine.Command)
	assert.Equal(t, DefaultEventBuffer, cfg.Server.EventBuffer)

	var logCfg struct {
		Level  string `yaml:"level"`
		Format struct {
			Preset string `yaml:"preset"`
		} `yaml:"format"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "debug", logCfg.Level)
	assert.Equal(t, "json", logCfg.Format.Preset)

	var missing struct{ Level string }
	require.NoError(t, cfg.UnmarshalExtension("nope", &missing))
	assert.Empty(t, missing.Level)
}

func TestLoadFromBytesTOML(t *testing.T) {
	data := []byte(`
[transport]
backend = "sse"
reconnect_attempts = 3
reconnect_backoff = "500ms"

[workflow]
default_task_count = 8
max_task_count = 12

[logging]
level = "warn"
`)
	cfg, err := LoadFromBytes(data, FormatTOML)
	require.NoError(t, err)
	assert.Equal(t, "sse", cfg.Transport.Backend)
	assert.Equal(t, 3, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.ReconnectBackoff.D())
	assert.Equal(t, 8, cfg.Workflow.DefaultTaskCount)
	assert.Equal(t, 12, cfg.Workflow.MaxTaskCount)

	var logCfg struct {
		Level string `yaml:"level"`
	}
	require.NoError(t, cfg.UnmarshalExtension("logging", &logCfg))
	assert.Equal(t, "warn", logCfg.Level)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		code errors.ErrorCode
	}{
		{"unknown backend", "transport:\n  backend: carrier-pigeon\n", errors.ErrCodeConfigValidation},
		{"buffer out of range", "server:\n  event_buffer: -1\n", errors.ErrCodeConfigValidation},
		{"min above max", "workflow:\n  min_task_count: 9\n  max_task_count: 4\n", errors.ErrCodeConfigValidation},
		{"default outside bounds", "workflow:\n  default_task_count: 20\n", errors.ErrCodeConfigValidation},
		{"bad duration", "sessions:\n  idle_ttl: soon\n", errors.ErrCodeConfigInvalid},
		{"not yaml", "server: [", errors.ErrCodeConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml), FormatYAML)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err), err.Error())
		})
	}
}

func TestLoadFromMergesLayers(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "config", "prdflow.yml"), `
server:
  address: 0.0.0.0:7000
  event_buffer: 64
logging:
  level: info
  report_caller: true
`)

	project := t.TempDir()
	writeFile(t, filepath.Join(project, "prdflow.toml"), `
[server]
address = "127.0.0.1:7001"

[engine]
repo_dir = "repo"

[logging]
level = "debug"
`)
	writeFile(t, filepath.Join(project, "prdflow.override.yml"), "sessions:\n  idle_ttl: 1h\n")

	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	cfg, err := LoadFromWithLogger(nested, testutil.Logger("config"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7001", cfg.Server.Address)
	assert.Equal(t, 64, cfg.Server.EventBuffer)
	assert.Equal(t, time.Hour, cfg.Sessions.IdleTTL.D())
	assert.Equal(t, filepath.Join(project, "repo"), cfg.Engine.RepoDir)
	assert.Len(t, cfg.Sources, 3)

	logging := cfg.Extensions["logging"].(map[string]interface{})
	assert.Equal(t, "debug", logging["level"])
	assert.Equal(t, true, logging["report_caller"])
}

func TestLoadFromWithoutFiles(t *testing.T) {
	isolate(t)
	cfg, err := LoadFromWithLogger(t.TempDir(), testutil.Logger("config"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfigNotFound))
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultAddress, cfg.Server.Address)
}

func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".prdflow.yaml"), "{}\n")
	nested := filepath.Join(root, "x", "y")
	require.NoError(t, os.MkdirAll(nested, 0755))

	path, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".prdflow.yaml"), path)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"idle_ttl"`)
	assert.Contains(t, string(data), `"websocket"`)
	assert.NotContains(t, string(data), "Extensions")
}

func TestWatcherReloads(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "prdflow.yml")
	writeFile(t, path, "sessions:\n  idle_ttl: 1h\n")

	var reloads atomic.Int32
	var latest atomic.Value
	w, err := NewWatcher([]string{path}, 20*time.Millisecond,
		func() (*Config, error) { return Load(path) },
		func(cfg *Config) {
			latest.Store(cfg.Sessions.IdleTTL.D())
			reloads.Add(1)
		},
		testutil.Logger("config"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	// Unrelated files in the directory are ignored.
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")

	for i := 0; i < 3; i++ {
		replaceFile(t, path, "sessions:\n  idle_ttl: 2h\n")
	}
	require.Eventually(t, func() bool { return latest.Load() == 2*time.Hour }, 5*time.Second, 10*time.Millisecond)

	// An invalid edit keeps the previous configuration.
	before := reloads.Load()
	replaceFile(t, path, "sessions:\n  idle_ttl: soon\n")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, reloads.Load())
}
