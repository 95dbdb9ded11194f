package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Defaults applied before any configuration file is read.
const (
	DefaultAddress           = "127.0.0.1:5000"
	DefaultEventBuffer       = 256
	DefaultIdleTTL           = 24 * time.Hour
	DefaultSweepInterval     = 5 * time.Minute
	DefaultBackend           = "websocket"
	DefaultReconnectAttempts = 5
	DefaultReconnectBackoff  = 2 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultTaskCount         = 5
	DefaultMinTaskCount      = 3
	DefaultMaxTaskCount      = 10
	DefaultEngineTimeout     = 10 * time.Minute
)

// Duration is a time.Duration written as a Go duration string ("90s", "24h")
// in configuration files. A bare integer is read as seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func parseDuration(s string) (Duration, error) {
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if node.ShortTag() == "!!int" && node.Decode(&seconds) == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// JSONSchema describes durations as strings in the configuration schema.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration string, e.g. 90s or 24h",
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address        string   `yaml:"address,omitempty" json:"address,omitempty" jsonschema:"description=Listen address (host:port)"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty" jsonschema:"description=Origins accepted on the WebSocket endpoint; * allows any"`
	EventBuffer    int      `yaml:"event_buffer,omitempty" json:"event_buffer,omitempty" jsonschema:"minimum=1,maximum=65536,description=Per-subscriber event buffer size"`
}

// SessionsConfig configures the session registry.
type SessionsConfig struct {
	IdleTTL       Duration `yaml:"idle_ttl,omitempty" json:"idle_ttl,omitempty" jsonschema:"description=Evict sessions idle for longer than this"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty" jsonschema:"description=How often idle sessions are swept"`
}

// TransportConfig configures the client transport.
type TransportConfig struct {
	Backend           string   `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=websocket,enum=sse,description=Event channel backend"`
	ReconnectAttempts int      `yaml:"reconnect_attempts,omitempty" json:"reconnect_attempts,omitempty" jsonschema:"minimum=1,maximum=100"`
	ReconnectBackoff  Duration `yaml:"reconnect_backoff,omitempty" json:"reconnect_backoff,omitempty"`
	RequestTimeout    Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
}

// WorkflowConfig bounds task generation.
type WorkflowConfig struct {
	DefaultTaskCount int `yaml:"default_task_count,omitempty" json:"default_task_count,omitempty" jsonschema:"minimum=1,maximum=50"`
	MinTaskCount     int `yaml:"min_task_count,omitempty" json:"min_task_count,omitempty" jsonschema:"minimum=1,maximum=50"`
	MaxTaskCount     int `yaml:"max_task_count,omitempty" json:"max_task_count,omitempty" jsonschema:"minimum=1,maximum=50"`
}

// EngineConfig configures the code generator and the repository it edits.
type EngineConfig struct {
	// Command is the generator argv. The prompt and in-chat files are
	// appended as arguments.
	Command []string `yaml:"command,omitempty" json:"command,omitempty" jsonschema:"description=Generator command and leading arguments"`
	RepoDir string   `yaml:"repo_dir,omitempty" json:"repo_dir,omitempty" jsonschema:"description=Working tree the generator edits (default: current directory)"`
	// Ignore hides matching paths from the file inventory (.dockerignore syntax).
	Ignore  []string `yaml:"ignore,omitempty" json:"ignore,omitempty" jsonschema:"description=Patterns hidden from the file list"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"description=Upper bound on a single generator run"`
}

// Config is the prdflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"description=HTTP server settings"`
	Sessions  SessionsConfig  `yaml:"sessions,omitempty" json:"sessions,omitempty" jsonschema:"description=Session lifetime settings"`
	Transport TransportConfig `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"description=Client transport settings"`
	Workflow  WorkflowConfig  `yaml:"workflow,omitempty" json:"workflow,omitempty" jsonschema:"description=Task generation bounds"`
	Engine    EngineConfig    `yaml:"engine,omitempty" json:"engine,omitempty" jsonschema:"description=Code generator settings"`

	// Extensions captures all other top-level keys, e.g. logging.
	Extensions map[string]interface{} `yaml:",inline" json:"-" jsonschema:"-"`

	// Sources lists the files merged into this configuration, lowest
	// precedence first.
	Sources []string `yaml:"-" json:"-" jsonschema:"-"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero-valued settings.
func (c *Config) SetDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.EventBuffer == 0 {
		c.Server.EventBuffer = DefaultEventBuffer
	}
	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = Duration(DefaultIdleTTL)
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Transport.Backend == "" {
		c.Transport.Backend = DefaultBackend
	}
	if c.Transport.ReconnectAttempts == 0 {
		c.Transport.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.Transport.ReconnectBackoff == 0 {
		c.Transport.ReconnectBackoff = Duration(DefaultReconnectBackoff)
	}
	if c.Transport.RequestTimeout == 0 {
		c.Transport.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Workflow.MinTaskCount == 0 {
		c.Workflow.MinTaskCount = DefaultMinTaskCount
	}
	if c.Workflow.MaxTaskCount == 0 {
		c.Workflow.MaxTaskCount = DefaultMaxTaskCount
	}
	if c.Workflow.DefaultTaskCount == 0 {
		c.Workflow.DefaultTaskCount = DefaultTaskCount
	}
	if c.Engine.RepoDir == "" {
		c.Engine.RepoDir = "."
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = Duration(DefaultEngineTimeout)
	}
}

// UnmarshalExtension decodes the extension stored under key into target.
// A missing key leaves target untouched.
//
// Example:
//
//	var logCfg logging.Config
//	err := cfg.UnmarshalExtension("logging", &logCfg)
func (c *Config) UnmarshalExtension(key string, target interface{}) error {
	extensionConfig, ok := c.Extensions[key]
	if !ok {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}

	if err := decoder.Decode(extensionConfig); err != nil {
		return fmt.Errorf("failed to decode extension config for '%s': %w", key, err)
	}
	return nil
}
