package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/paths"
	"github.com/grovetools/prdflow/util/pathutil"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ConfigNames are the project configuration files searched for, in order.
var ConfigNames = []string{
	"prdflow.yml",
	"prdflow.yaml",
	"prdflow.toml",
	".prdflow.yml",
	".prdflow.yaml",
}

var overrideNames = []string{
	"prdflow.override.yml",
	"prdflow.override.yaml",
	"prdflow.override.toml",
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// FormatOf returns the syntax implied by a file name.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads a single configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadFromBytes parses, defaults and validates configuration data.
func LoadFromBytes(data []byte, format Format) (*Config, error) {
	cfg, err := parse(data, format)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadDefault loads configuration for the current directory. See LoadFrom.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
	}
	return LoadFrom(cwd)
}

// LoadFrom loads configuration with hierarchical merging starting from the given directory.
func LoadFrom(startDir string) (*Config, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return LoadFromWithLogger(startDir, logger.WithField("component", "config"))
}

// LoadFromWithLogger merges, lowest precedence first:
// 1. Global config (prdflow.yml in the config dir)
// 2. Project config (found from startDir upward)
// 3. Local override (prdflow.override.yml next to the project config)
//
// Missing files are skipped. With no file at all the defaults are returned
// and err is a CONFIG_NOT_FOUND error alongside them, so callers can choose
// whether that matters.
func LoadFromWithLogger(startDir string, logger *logrus.Entry) (*Config, error) {
	final := &Config{}
	found := false

	if globalPath := findIn(paths.ConfigDir(), ConfigNames); globalPath != "" {
		logger.WithField("path", globalPath).Debug("Loading global configuration")
		globalCfg, err := readFile(globalPath)
		if err != nil {
			logger.WithError(err).Warn("Failed to load global configuration, continuing without it")
		} else {
			final = mergeConfigs(final, globalCfg)
			found = true
		}
	}

	projectPath, err := FindConfigFile(startDir)
	if err == nil {
		logger.WithField("path", projectPath).Debug("Loading project configuration")
		projectCfg, err := readFile(projectPath)
		if err != nil {
			return nil, err
		}
		final = mergeConfigs(final, projectCfg)
		found = true

		if overridePath := findIn(filepath.Dir(projectPath), overrideNames); overridePath != "" {
			logger.WithField("path", overridePath).Debug("Loading local override configuration")
			overrideCfg, err := readFile(overridePath)
			if err != nil {
				logger.WithError(err).Warn("Failed to load override file, skipping")
			} else {
				final = mergeConfigs(final, overrideCfg)
			}
		}
	}

	cfg, err := finish(final)
	if err != nil {
		return nil, err
	}

	if logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		if data, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Merged configuration:\n%s", string(data))
		}
	}

	if !found {
		return cfg, errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
	}
	return cfg, nil
}

// FindConfigFile searches startDir and its parents for a project config file.
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		if path := findIn(dir, ConfigNames); path != "" {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.ConfigNotFound(startDir).WithDetail("searchPath", startDir)
}

func findIn(dir string, names []string) string {
	if dir == "" {
		return ""
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}
	cfg, err := parse(data, FormatOf(path))
	if err != nil {
		if ge, ok := err.(*errors.GroveError); ok {
			return nil, ge.WithDetail("path", path)
		}
		return nil, err
	}

	// A relative repo_dir is relative to the file that sets it.
	if cfg.Engine.RepoDir, err = pathutil.Resolve(filepath.Dir(path), cfg.Engine.RepoDir); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid engine.repo_dir").WithDetail("path", path)
	}
	cfg.Sources = []string{path}
	return cfg, nil
}

// parse decodes one layer without defaults. TOML is decoded to a generic map
// and re-encoded as YAML so both syntaxes share one decoding path.
func parse(data []byte, format Format) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	if format == FormatTOML {
		var doc map[string]interface{}
		if err := toml.Unmarshal(expanded, &doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse TOML configuration")
		}
		var err error
		if expanded, err = yaml.Marshal(doc); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to convert TOML configuration")
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse YAML configuration")
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := ValidateSchema(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	w := c.Workflow
	if w.MinTaskCount > w.MaxTaskCount {
		return errors.New(errors.ErrCodeConfigValidation,
			fmt.Sprintf("workflow.min_task_count (%d) exceeds workflow.max_task_count (%d)", w.MinTaskCount, w.MaxTaskCount))
	}
	if w.DefaultTaskCount < w.MinTaskCount || w.DefaultTaskCount > w.MaxTaskCount {
		return errors.New(errors.ErrCodeConfigValidation,
			fmt.Sprintf("workflow.default_task_count (%d) must be between %d and %d", w.DefaultTaskCount, w.MinTaskCount, w.MaxTaskCount))
	}
	if c.Sessions.IdleTTL < 0 || c.Sessions.SweepInterval <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "sessions.idle_ttl and sessions.sweep_interval must be positive")
	}
	if c.Transport.ReconnectBackoff <= 0 || c.Transport.RequestTimeout <= 0 || c.Engine.Timeout <= 0 {
		return errors.New(errors.ErrCodeConfigValidation, "durations must be positive")
	}
	for i, arg := range c.Engine.Command {
		if strings.TrimSpace(arg) == "" {
			return errors.New(errors.ErrCodeConfigValidation, fmt.Sprintf("engine.command[%d] is empty", i))
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
// ${VAR:-default} falls back to default when VAR is unset or empty.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
