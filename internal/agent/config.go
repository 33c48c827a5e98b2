// Package agent provides the Scriptfleet agent runtime.
// The agent connects to the orchestrator, receives job and workflow
// dispatches, runs scripts against local documents, and reports results.
package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every agent environment variable.
const EnvPrefix = "SCRIPTFLEET_AGENT_"

// Config holds all configuration settings for the agent.
type Config struct {
	// Endpoint is the orchestrator address, e.g. "orchestrator.local" or
	// "ws://orchestrator.local:9400/agent".
	Endpoint string `yaml:"endpoint"`

	// Name is the display name announced at registration (default: hostname).
	Name string `yaml:"name"`

	// Tags are capability tags announced at registration.
	Tags []string `yaml:"tags"`

	// Token is sent as a bearer token on the WebSocket upgrade.
	Token string `yaml:"token"`

	// MaxConcurrentJobs is the number of jobs or workflows that may run at once (default: 1).
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// HeartbeatInterval is the interval between heartbeats (default: 30s).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxReconnectAttempts caps automatic reconnection (default: 10).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// DefaultJobTimeout applies when a dispatch carries no timeout (default: 5m).
	DefaultJobTimeout time.Duration `yaml:"default_job_timeout"`

	// HandshakeTimeout bounds the WebSocket upgrade (default: 10s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds every frame write (default: 10s).
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// StateDir holds the execution journal. Empty disables the journal.
	StateDir string `yaml:"state_dir"`

	// ScriptInterpreter is the command that runs scripts (default: sh).
	ScriptInterpreter []string `yaml:"script_interpreter"`

	// ScriptCheckArgs are passed to the interpreter to validate a script (default: -n).
	ScriptCheckArgs []string `yaml:"script_check_args"`

	// WorkDir is the working directory for scripts (default: system temp dir).
	WorkDir string `yaml:"work_dir"`

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string `yaml:"log_level"`

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string `yaml:"log_format"`

	// MetricsAddr is the listen address for /metrics and /healthz (default: :9092).
	MetricsAddr string `yaml:"metrics_addr"`

	// TracingEnabled turns on OTLP trace export.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TracingEndpoint is the OTLP HTTP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// TracingInsecure sends spans without TLS (default: true).
	TracingInsecure bool `yaml:"tracing_insecure"`

	// Environment is reported as the deployment environment on exported spans.
	Environment string `yaml:"environment"`
}

// DefaultConfig returns a configuration populated with defaults only.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	return &Config{
		Name:                 hostname,
		MaxConcurrentJobs:    1,
		HeartbeatInterval:    30 * time.Second,
		MaxReconnectAttempts: 10,
		DefaultJobTimeout:    5 * time.Minute,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		ScriptInterpreter:    []string{"sh"},
		ScriptCheckArgs:      []string{"-n"},
		LogLevel:             "info",
		LogFormat:            "json",
		MetricsAddr:          ":9092",
		TracingInsecure:      true,
	}
}

// Load reads agent configuration. Defaults are overlaid by the YAML file at
// path (if non-empty, or named by SCRIPTFLEET_AGENT_CONFIG), then by
// environment variables with the SCRIPTFLEET_AGENT_ prefix.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables on the current values.
func (c *Config) applyEnv() {
	c.Endpoint = getEnv(EnvPrefix+"ENDPOINT", c.Endpoint)
	c.Name = getEnv(EnvPrefix+"NAME", c.Name)
	c.Tags = getEnvStringSlice(EnvPrefix+"TAGS", c.Tags)
	c.Token = getEnv(EnvPrefix+"TOKEN", c.Token)
	c.MaxConcurrentJobs = getEnvInt(EnvPrefix+"MAX_CONCURRENT_JOBS", c.MaxConcurrentJobs)
	c.HeartbeatInterval = getEnvDuration(EnvPrefix+"HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.MaxReconnectAttempts = getEnvInt(EnvPrefix+"MAX_RECONNECT_ATTEMPTS", c.MaxReconnectAttempts)
	c.DefaultJobTimeout = getEnvDuration(EnvPrefix+"DEFAULT_JOB_TIMEOUT", c.DefaultJobTimeout)
	c.HandshakeTimeout = getEnvDuration(EnvPrefix+"HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	c.WriteTimeout = getEnvDuration(EnvPrefix+"WRITE_TIMEOUT", c.WriteTimeout)
	c.StateDir = getEnv(EnvPrefix+"STATE_DIR", c.StateDir)
	c.ScriptInterpreter = getEnvFields(EnvPrefix+"SCRIPT_INTERPRETER", c.ScriptInterpreter)
	c.ScriptCheckArgs = getEnvFields(EnvPrefix+"SCRIPT_CHECK_ARGS", c.ScriptCheckArgs)
	c.WorkDir = getEnv(EnvPrefix+"WORK_DIR", c.WorkDir)
	c.LogLevel = getEnv(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv(EnvPrefix+"LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = getEnv(EnvPrefix+"METRICS_ADDR", c.MetricsAddr)
	c.TracingEnabled = getEnvBool(EnvPrefix+"TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = getEnv(EnvPrefix+"TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingInsecure = getEnvBool(EnvPrefix+"TRACING_INSECURE", c.TracingInsecure)
	c.Environment = getEnv(EnvPrefix+"ENVIRONMENT", c.Environment)
}

// Validate checks that all configuration fields are valid. The endpoint is
// not required here; Connect rejects an empty one.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxConcurrentJobs < 1 {
		errs = append(errs, errors.New(EnvPrefix+"MAX_CONCURRENT_JOBS must be at least 1"))
	}
	if c.MaxConcurrentJobs > 100 {
		errs = append(errs, errors.New(EnvPrefix+"MAX_CONCURRENT_JOBS cannot exceed 100"))
	}

	if c.HeartbeatInterval < time.Second {
		errs = append(errs, errors.New(EnvPrefix+"HEARTBEAT_INTERVAL must be at least 1 second"))
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New(EnvPrefix+"MAX_RECONNECT_ATTEMPTS cannot be negative"))
	}
	if c.DefaultJobTimeout < time.Second {
		errs = append(errs, errors.New(EnvPrefix+"DEFAULT_JOB_TIMEOUT must be at least 1 second"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New(EnvPrefix+"HANDSHAKE_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New(EnvPrefix+"WRITE_TIMEOUT must be positive"))
	}

	if len(c.ScriptInterpreter) == 0 {
		errs = append(errs, errors.New(EnvPrefix+"SCRIPT_INTERPRETER is required"))
	}

	if c.StateDir != "" && !filepath.IsAbs(c.StateDir) {
		errs = append(errs, errors.New(EnvPrefix+"STATE_DIR must be an absolute path"))
	}
	if c.WorkDir != "" && !filepath.IsAbs(c.WorkDir) {
		errs = append(errs, errors.New(EnvPrefix+"WORK_DIR must be an absolute path"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New(EnvPrefix+"LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New(EnvPrefix+"LOG_FORMAT must be one of: json, console"))
	}

	if c.TracingEnabled && c.TracingEndpoint == "" {
		errs = append(errs, errors.New(EnvPrefix+"TRACING_ENDPOINT is required when tracing is enabled"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Token != "" {
		out.Token = "********"
	}
	return &out
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvFields splits a command line on whitespace, e.g. "bash --norc".
func getEnvFields(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		if fields := strings.Fields(value); len(fields) > 0 {
			return fields
		}
	}
	return defaultValue
}
