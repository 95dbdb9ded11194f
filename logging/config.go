package logging

// Config is the "logging" section of prdflow.yml.
type Config struct {
	// Level is the minimum level to output ("debug", "info", "warn", "error").
	// PRDFLOW_LOG_LEVEL overrides it.
	Level string `yaml:"level"`

	// ReportCaller adds file, line and function to each entry.
	// PRDFLOW_LOG_CALLER=true enables it too.
	ReportCaller bool `yaml:"report_caller"`

	File FileSinkConfig `yaml:"file"`

	Format FormatConfig `yaml:"format"`
}

// FileSinkConfig configures the file sink. The sink is on unless Disabled
// is set; Path defaults to the state dir's logs/prdflow.log.
type FileSinkConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// FormatConfig controls the log output format.
type FormatConfig struct {
	// Preset is "default" (rich text), "simple" (minimal text) or "json".
	Preset           string `yaml:"preset"`
	DisableTimestamp bool   `yaml:"disable_timestamp"`
	DisableComponent bool   `yaml:"disable_component"`
	// StructuredToStderr is "auto" (default), "always" or "never".
	StructuredToStderr string `yaml:"structured_to_stderr"`
}
