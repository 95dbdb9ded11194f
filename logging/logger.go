package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/prdflow/config"
	"github.com/grovetools/prdflow/pkg/paths"
	"github.com/grovetools/prdflow/util/pathutil"
)

// DefaultFileName is the log file every component shares.
const DefaultFileName = "prdflow"

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex

	// settings is nil until the first logger loads it from prdflow.yml or
	// Configure installs one.
	settings *Config
	sinkPath string
	sinkFile *os.File
)

// NewLogger creates and returns a pre-configured logger for a specific component.
// It uses a singleton pattern per component to avoid re-initializing.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}

	if settings == nil {
		cfg := loadSettings()
		settings = &cfg
	}

	logger := logrus.New()
	apply(logger, *settings)

	entry := logger.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure installs cfg for all existing and future loggers. The server
// calls it at startup and again whenever prdflow.yml changes.
func Configure(cfg Config) {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	settings = &cfg
	for _, entry := range loggers {
		apply(entry.Logger, cfg)
	}
}

// SetLevel changes the level of every logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if settings == nil {
		cfg := loadSettings()
		settings = &cfg
	}
	settings.Level = level
	for _, entry := range loggers {
		entry.Logger.SetLevel(lvl)
	}
	return nil
}

// FromConfig extracts the logging section of a loaded configuration.
func FromConfig(cfg *config.Config) Config {
	var logCfg Config
	if cfg == nil {
		return logCfg
	}
	if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
		logrus.Warnf("Failed to parse 'logging' config: %v", err)
	}
	return logCfg
}

// FilePath returns where cfg sends file output.
func FilePath(cfg Config) string {
	if cfg.File.Path != "" {
		return expandPath(cfg.File.Path)
	}
	return paths.LogFilePath(DefaultFileName)
}

func loadSettings() Config {
	// A missing prdflow.yml still yields defaults.
	cfg, _ := config.LoadDefault()
	return FromConfig(cfg)
}

func apply(logger *logrus.Logger, cfg Config) {
	levelStr := "info"
	if env := os.Getenv("PRDFLOW_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetReportCaller(os.Getenv("PRDFLOW_LOG_CALLER") == "true" || cfg.ReportCaller)

	switch cfg.Format.Preset {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "simple":
		logger.SetFormatter(&TextFormatter{Config: FormatConfig{
			DisableTimestamp: true,
			DisableComponent: true,
		}})
	default:
		logger.SetFormatter(&TextFormatter{Config: cfg.Format})
	}

	var writers []io.Writer
	if !cfg.File.Disabled {
		if f := openSink(FilePath(cfg)); f != nil {
			writers = append(writers, f)
		}
	}
	if logToStderr(cfg, level) {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
}

// openSink returns the shared log file, reopening it when the path changes.
// Callers hold loggersMu.
func openSink(path string) *os.File {
	if sinkFile != nil && sinkPath == path {
		return sinkFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	// Loggers still holding the old file are reconfigured by the caller.
	if sinkFile != nil {
		_ = sinkFile.Close()
	}
	sinkFile, sinkPath = file, path
	return file
}

func logToStderr(cfg Config, level logrus.Level) bool {
	switch cfg.Format.StructuredToStderr {
	case "always":
		return true
	case "never":
		return false
	default:
		// Interactive terminals only see structured logs while debugging.
		isInteractive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		return level >= logrus.DebugLevel || !isInteractive
	}
}

func expandPath(path string) string {
	if expanded, err := pathutil.Expand(path); err == nil {
		return expanded
	}
	return path
}
