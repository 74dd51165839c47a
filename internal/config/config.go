// Package config provides configuration types and defaults for swarmd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aiswarm/swarmd/internal/log"
	"github.com/aiswarm/swarmd/internal/tracing"
)

// Config holds all configuration options for swarmd.
type Config struct {
	// Directory is the project working directory the server coordinates.
	// Default: current directory.
	Directory string `mapstructure:"directory"`

	// DBPath overrides the coordination database location.
	// Default: <directory>/.aiswarm/coordination.db
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the address the MCP HTTP server binds.
	ListenAddr string `mapstructure:"listen_addr"`

	// PersonaDir overrides the persona definitions directory.
	// Default: <directory>/.aiswarm/personas
	PersonaDir string `mapstructure:"persona_dir"`

	// Debug enables the debug log file.
	Debug bool `mapstructure:"debug"`

	Agents  AgentsConfig   `mapstructure:"agents"`
	Tasks   TasksConfig    `mapstructure:"tasks"`
	Tracing tracing.Config `mapstructure:"tracing"`
}

// AgentsConfig holds agent lifecycle settings.
type AgentsConfig struct {
	// HeartbeatTimeout is how long a running agent may go without a
	// heartbeat before the monitor kills it.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`

	// CheckInterval is how often the monitor sweeps for stale agents.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// TasksConfig holds task dispatch settings.
type TasksConfig struct {
	// DefaultWait bounds get_next_task long-polls when the caller does not
	// pass waitMillis.
	DefaultWait time.Duration `mapstructure:"default_wait"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ListenAddr: "127.0.0.1:7338",
		Agents: AgentsConfig{
			HeartbeatTimeout: 5 * time.Minute,
			CheckInterval:    30 * time.Second,
		},
		Tasks: TasksConfig{
			DefaultWait: 30 * time.Second,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Validate checks the configuration for errors. Empty values use defaults.
func Validate(cfg Config) error {
	if cfg.Agents.HeartbeatTimeout < 0 {
		return fmt.Errorf("agents.heartbeat_timeout must not be negative, got %v", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.CheckInterval < 0 {
		return fmt.Errorf("agents.check_interval must not be negative, got %v", cfg.Agents.CheckInterval)
	}
	if cfg.Tasks.DefaultWait < 0 {
		return fmt.Errorf("tasks.default_wait must not be negative, got %v", cfg.Tasks.DefaultWait)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(cfg tracing.Config) error {
	if cfg.SampleRate < 0.0 || cfg.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", cfg.SampleRate)
	}

	if cfg.Exporter != "" {
		switch cfg.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", cfg.Exporter)
		}
	}

	if cfg.Enabled {
		if cfg.Exporter == "file" && cfg.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if cfg.Exporter == "otlp" && cfg.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultTracesFilePath returns the default path for trace file export under
// the project's .aiswarm directory.
func DefaultTracesFilePath(workingDir string) string {
	return filepath.Join(workingDir, ".aiswarm", "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# swarmd configuration

# Project directory the server coordinates (default: current directory)
# directory: /path/to/project

# Coordination database location
# db_path: .aiswarm/coordination.db

# MCP HTTP listen address
listen_addr: 127.0.0.1:7338

# Persona definitions directory (default: <directory>/.aiswarm/personas)
# persona_dir: .aiswarm/personas

# Write a debug log to .aiswarm/swarmd.log
debug: false

# Agent lifecycle settings
agents:
  heartbeat_timeout: 5m   # Kill running agents silent for this long
  check_interval: 30s     # How often to sweep for stale agents

# Task dispatch settings
tasks:
  default_wait: 30s       # get_next_task long-poll bound when unspecified

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   file_path: .aiswarm/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
